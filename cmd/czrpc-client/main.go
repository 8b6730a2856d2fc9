// Command czrpc-client exercises each of the four client roles (sync call,
// async call, publish, subscribe) against a running czrpc-server, the way
// the original project's samples/sampleN_client.cpp programs demonstrated
// one role apiece.
package main

import (
	"fmt"
	"os"
	"time"

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
	var endpoint string

	cmd := &cobra.Command{
		Use:   "czrpc-client",
		Short: "Exercise a czrpc server's sync, async, publish and subscribe paths",
	}
	cmd.PersistentFlags().StringVar(&endpoint, "endpoint", "127.0.0.1:9000", "server endpoint to dial")

	cmd.AddCommand(
		newSyncCmd(&endpoint),
		newAsyncCmd(&endpoint),
		newPublishCmd(&endpoint),
		newSubscribeCmd(&endpoint),
	)
	return cmd
}

func newSyncCmd(endpoint *string) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Issue one blocking greeting call and print the reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := czrpc.NewSyncClient(czrpc.WithEndpoint(*endpoint))
			defer client.Close()

			reply, err := client.Call("greeting", wrapperspb.String(name))
			if err != nil {
				return err
			}
			sv := reply.(*wrapperspb.StringValue)
			fmt.Println(sv.GetValue())
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "world", "name to greet")
	return cmd
}

func newAsyncCmd(endpoint *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "async",
		Short: "Issue several concurrent async echo calls and print their results",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := czrpc.NewAsyncClient(czrpc.WithEndpoint(*endpoint))
			defer client.Close()

			const n = 5
			done := make(chan struct{}, n)
			for i := 0; i < n; i++ {
				msg := wrapperspb.String(fmt.Sprintf("message-%d", i))
				client.AsyncCall("echo", msg, func(res czrpc.AsyncResult) {
					if res.Err != nil {
						fmt.Fprintln(os.Stderr, "call failed:", res.Err)
					} else {
						fmt.Println(res.Message.(*wrapperspb.StringValue).GetValue())
					}
					done <- struct{}{}
				})
			}
			for i := 0; i < n; i++ {
				<-done
			}
			return nil
		},
	}
	return cmd
}

func newPublishCmd(endpoint *string) *cobra.Command {
	var topic, text string
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish one message on a topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub := czrpc.NewPublisher(czrpc.WithEndpoint(*endpoint))
			defer pub.Close()
			return pub.Publish(topic, wrapperspb.String(text))
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "news", "topic to publish on")
	cmd.Flags().StringVar(&text, "message", "hello", "message text")
	return cmd
}

func newSubscribeCmd(endpoint *string) *cobra.Command {
	var topic string
	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Subscribe to a topic and print pushes as they arrive",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logrus.StandardLogger()
			sub := czrpc.NewSubscriber(
				czrpc.WithEndpoint(*endpoint),
				czrpc.WithHeartbeat(true, 10*time.Second),
				czrpc.WithClientLogger(log),
			)
			defer sub.Close()

			sub.Subscribe(topic, func(topic string, msg czrpc.Message) {
				sv, ok := msg.(*wrapperspb.StringValue)
				if ok {
					fmt.Printf("[%s] %s\n", topic, sv.GetValue())
				}
			})

			log.Infof("subscribed to %q, waiting for pushes (ctrl-c to exit)", topic)
			for {
				time.Sleep(time.Hour)
			}
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "news", "topic to subscribe to")
	return cmd
}
