// Package idgen generates snowflake ids for delivery records and
// notifications. Ids are time-sortable, which keeps audit listings in
// creation order without a separate sequence.
package idgen

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	once sync.Once
	node *snowflake.Node
)

// Next returns a new id. The node is initialized lazily; node number 1 is
// fine for a single-process deployment.
func Next() string {
	once.Do(func() {
		n, err := snowflake.NewNode(1)
		if err != nil {
			// Only reachable with an out-of-range node number.
			panic(err)
		}
		node = n
	})
	return node.Generate().String()
}
