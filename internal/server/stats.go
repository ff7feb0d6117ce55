package server

import (
	"fmt"
	"os"
	"time"

	"github.com/marmos91/dittokv/internal/protocol/mcbp"
)

var processStart = time.Now()

// statExecutor streams a group of stat packets: one response per
// (key, value) pair, terminated by a response with an empty key.
func statExecutor(c *Connection, ck *Cookie) {
	group := string(ck.packet.Key)

	pairs := [][2]string{}
	switch group {
	case "":
		c.server.connsMu.RLock()
		connections := len(c.server.conns)
		c.server.connsMu.RUnlock()

		pairs = append(pairs,
			[2]string{"pid", fmt.Sprintf("%d", os.Getpid())},
			[2]string{"uptime", fmt.Sprintf("%d", int(time.Since(processStart).Seconds()))},
			[2]string{"version", Version},
			[2]string{"curr_connections", fmt.Sprintf("%d", connections)},
			[2]string{"daemon_connections", fmt.Sprintf("%d", len(c.server.workers))},
			[2]string{"total_recv", fmt.Sprintf("%d", c.totalRecv.Load())},
			[2]string{"total_send", fmt.Sprintf("%d", c.totalSend.Load())},
		)
	case "connections":
		pairs = append(pairs, [2]string{"connections", string(c.server.DumpConnections())})
	case "buckets":
		for i := 1; i < len(c.server.buckets); i++ {
			b := c.server.buckets[i]
			pairs = append(pairs, [2]string{b.Name, b.State().String()})
		}
	default:
		ck.sendSimpleStatus(mcbp.StatusKeyEnoent)
		return
	}

	for _, pair := range pairs {
		builder := mcbp.ResponseBuilder{
			Opcode: ck.packet.Opcode,
			Status: mcbp.StatusSuccess,
			Opaque: ck.packet.Opaque,
			Key:    []byte(pair[0]),
			Value:  []byte(pair[1]),
		}
		c.out.copyBytes(builder.Encode())
	}

	// Terminator: empty key and value.
	ck.sendResponse(mcbp.StatusSuccess, nil, nil, nil, mcbp.DatatypeRaw, 0)
}
