// Command czrpc-server is a sample server exercising every dispatch path
// (typed rpc, raw rpc, pub/sub fanout) the way the original project's
// samples/sampleN_server.cpp programs did, rebuilt as a small cobra CLI in
// the style of docker-compose's cmd/ + cobra/pflag convention.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/chx-czrpc/czrpc-go"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var listen []string
	var ioThreads int
	var workThreads int64

	cmd := &cobra.Command{
		Use:   "czrpc-server",
		Short: "Run a sample czrpc server exposing an echo handler and a news topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(listen, ioThreads, workThreads)
		},
	}
	cmd.Flags().StringSliceVar(&listen, "listen", []string{"127.0.0.1:9000"}, "endpoints to listen on")
	cmd.Flags().IntVar(&ioThreads, "io-threads", 2, "accepted-connection distribution pool size")
	cmd.Flags().Int64Var(&workThreads, "work-threads", 4, "dispatch worker pool size")
	return cmd
}

func runServer(listen []string, ioThreads int, workThreads int64) error {
	log := logrus.StandardLogger()

	srv := czrpc.NewServer(
		czrpc.WithListen(listen...),
		czrpc.WithIOThreads(ioThreads),
		czrpc.WithWorkThreads(workThreads),
		czrpc.WithServerLogger(log),
		czrpc.WithConnectNotify(func(sid string) { log.WithField("session", sid).Info("client connected") }),
		czrpc.WithDisconnectNotify(func(sid string) { log.WithField("session", sid).Info("client disconnected") }),
	)

	srv.Router().Bind("echo", func(req czrpc.Request, resp *czrpc.Response) {
		_ = resp.Set(req.Message)
	})
	srv.Router().BindRaw("echo", func(req czrpc.Request, resp *czrpc.Response) {
		_ = resp.SetRaw(req.Raw)
	})
	srv.Router().Bind("greeting", func(req czrpc.Request, resp *czrpc.Response) {
		sv, _ := req.Message.(*wrapperspb.StringValue)
		reply := "hello"
		if sv != nil {
			reply = "hello, " + sv.GetValue()
		}
		_ = resp.Set(wrapperspb.String(reply))
	})

	if err := srv.Serve(); err != nil {
		return err
	}
	log.WithField("listen", listen).Info("czrpc sample server listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	return srv.Close()
}
