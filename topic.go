package czrpc

import "sync"

// topicTable maps topic name to the set of subscriber connections currently
// bound to it. It is the Go translation of the original topic_manager's
// unordered_multimap<topic, weak_ptr<connection>>: Go has no cross-goroutine
// weak pointer, so liveness is instead checked with Conn.Alive() at
// enumeration time and dead entries are pruned lazily, which satisfies the
// same "does not keep a dead subscriber alive" requirement without needing
// a finalizer.
type topicTable struct {
	mu   sync.RWMutex
	subs map[string]map[*Conn]struct{}
}

func newTopicTable() *topicTable {
	return &topicTable{subs: make(map[string]map[*Conn]struct{})}
}

// add binds c to topic. Idempotent: adding the same connection twice is a
// no-op, matching topic_manager::add_topic's equal_range scan.
func (t *topicTable) add(topic string, c *Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.subs[topic]
	if !ok {
		set = make(map[*Conn]struct{})
		t.subs[topic] = set
	}
	set[c] = struct{}{}
}

// remove unbinds c from topic only.
func (t *topicTable) remove(topic string, c *Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.subs[topic]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(t.subs, topic)
	}
}

// removeAll unbinds c from every topic it is a member of, called once on
// disconnect for any connection whose Kind() == wire.KindSub.
func (t *topicTable) removeAll(c *Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for topic, set := range t.subs {
		if _, ok := set[c]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(t.subs, topic)
			}
		}
	}
}

// subscribers returns a snapshot of the connections currently subscribed to
// topic, pruning any it notices are no longer alive.
func (t *topicTable) subscribers(topic string) []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.subs[topic]
	if !ok {
		return nil
	}
	out := make([]*Conn, 0, len(set))
	for c := range set {
		if !c.Alive() {
			delete(set, c)
			continue
		}
		out = append(out, c)
	}
	if len(set) == 0 {
		delete(t.subs, topic)
	}
	return out
}
