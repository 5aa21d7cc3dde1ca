// Command swarmnode joins a topic's swarm and prints every peer it
// discovers until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/arl/swarmgo/dht"
	"github.com/arl/swarmgo/swarm"
)

func usage() {
	fmt.Printf(`%s [options] <topic-key>

    topic-key            Arbitrary string identifying the swarm to join

    -bootstrap addrs      Optional: comma-separated "host:port" bootstrap nodes
    -port N               Optional: UDP port for the DHT client (0 = OS-assigned)
`, os.Args[0])
	os.Exit(2)
}

func main() {
	var bootstrapFlag string
	var port int
	flag.Usage = usage
	flag.StringVar(&bootstrapFlag, "bootstrap", "", "")
	flag.IntVar(&port, "port", 0, "")
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
	}
	topicKey := flag.Arg(0)

	var bootstrap []string
	if bootstrapFlag != "" {
		bootstrap = strings.Split(bootstrapFlag, ",")
	}

	s, err := swarm.New(swarm.Config{
		Bootstrap: bootstrap,
		BindPort:  uint16(port),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "swarmnode: %v\n", err)
		os.Exit(1)
	}
	defer s.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := s.Bootstrap(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "swarmnode: bootstrap: %v\n", err)
	}

	topic := dht.TopicFromKey([]byte(topicKey))
	if err := s.Join(topic); err != nil {
		fmt.Fprintf(os.Stderr, "swarmnode: join: %v\n", err)
		os.Exit(1)
	}

	peers, err := s.OnPeer(topic)
	if err != nil {
		fmt.Fprintf(os.Stderr, "swarmnode: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("joined topic %x, listening on %s\n", topic, s.LocalAddr())

	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-peers:
			if !ok {
				return
			}
			fmt.Printf("peer discovered: %s\n", p)
		}
	}
}
