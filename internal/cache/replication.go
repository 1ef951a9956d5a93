package cache

import (
	"strings"

	"github.com/HiImSmiley/socketleyd/internal/clientrt"
	"github.com/HiImSmiley/socketleyd/internal/connio"
	"github.com/HiImSmiley/socketleyd/internal/rt"
)

// startReplication wires a cache-kind runtime configured with FollowOf
// into a one-way replication stream: it opens an ordinary client-engine
// connection to the leader and applies every line it receives as a
// local command (spec §4.7's "Replication" — "leader emits every
// mutation as its wire command... Follower applies commands locally").
func (c *Cache) startReplication() error {
	cfg := c.Runtime.Cache
	if cfg == nil || cfg.FollowOf == "" {
		return nil
	}
	leaderRuntime := rt.New(c.Runtime.Name+"-replica", rt.KindClient)
	leaderRuntime.Client = &rt.ClientConfig{Proto: "tcp", RemoteAddr: cfg.FollowOf, Mode: "in", Reconnect: true}
	cl := clientrt.New(leaderRuntime, c.loop, c.log)
	cl.OnData = c.applyReplicatedLines
	cl.OnConnect = func() { cl.Send([]byte("SYNC")) }
	c.replicaClient = cl
	return cl.Start()
}

// applyReplicatedLines drains fully-terminated lines from the follower
// connection's read accumulator and executes each as a local command.
func (c *Cache) applyReplicatedLines(accum *connio.Conn) {
	for {
		data := accum.Accumulated()
		idx := -1
		for i, b := range data {
			if b == '\n' {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		line := data[:idx]
		accum.ConsumeRead(idx + 1)
		args := strings.Fields(string(line))
		// The stream carries only mutations; anything else (the
		// leader's SYNC acknowledgement, trailing noise) is skipped.
		if len(args) > 0 && mutatingCommands[strings.ToUpper(args[0])] {
			c.Execute(args)
		}
	}
}

// stopReplication tears down the follower connection, if any.
func (c *Cache) stopReplication() {
	if c.replicaClient != nil {
		c.replicaClient.Stop()
	}
}
