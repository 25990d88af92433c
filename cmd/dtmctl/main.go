// Command dtmctl is an interactive debug client for dtmd: it speaks the
// wire protocol in internal/wire directly over one TCP connection and one
// logical channel, for exercising REQ_START/REQ_SNAPSHOT/REQ_SETSTATUS/
// REQ_GETSTATUS by hand (spec.md §6).
package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"github.com/sushant-115/dtmd/internal/wire"
	"github.com/sushant-115/dtmd/internal/xid"
)

var addr = flag.String("addr", "127.0.0.1:9999", "dtmd address")

const chanID uint32 = 1

// client owns the one connection and channel dtmctl uses for its whole
// session; every command except disconnect is a blocking request/reply round trip, which
// also happens to exercise the exact parked-wait behavior REQ_SETSTATUS
// promises a real participant.
type client struct {
	conn net.Conn
}

func dial(address string) (*client, error) {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dtmctl: dial %s: %w", address, err)
	}
	return &client{conn: conn}, nil
}

func (c *client) send(code uint8, payload []byte) error {
	buf := make([]byte, wire.HeaderSize+len(payload))
	wire.EncodeHeader(buf, wire.Header{Size: uint32(len(payload)), Code: code, Channel: chanID})
	copy(buf[wire.HeaderSize:], payload)
	_, err := c.conn.Write(buf)
	return err
}

func (c *client) recv() (wire.Header, []byte, error) {
	hbuf := make([]byte, wire.HeaderSize)
	if _, err := io.ReadFull(c.conn, hbuf); err != nil {
		return wire.Header{}, nil, err
	}
	h, err := wire.DecodeHeader(hbuf)
	if err != nil {
		return wire.Header{}, nil, err
	}
	payload := make([]byte, h.Size)
	if h.Size > 0 {
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return wire.Header{}, nil, err
		}
	}
	return h, payload, nil
}

func (c *client) roundTrip(code uint8, payload []byte) (wire.Header, []byte, error) {
	if err := c.send(code, payload); err != nil {
		return wire.Header{}, nil, err
	}
	return c.recv()
}

func printError(payload []byte) {
	kind := "unknown"
	if len(payload) > 0 {
		kind = errorKindName(payload[0])
	}
	color.Red("error: %s", kind)
}

func errorKindName(k byte) string {
	names := map[byte]string{
		1: "MalformedRequest",
		2: "UnknownXid",
		3: "DuplicateVote",
		4: "CapacityExhausted",
		5: "InternalError",
		6: "Throttled",
	}
	if n, ok := names[k]; ok {
		return n
	}
	return fmt.Sprintf("code %d", k)
}

func statusColor(s xid.Status) func(format string, a ...interface{}) string {
	switch s {
	case xid.Committed:
		return color.GreenString
	case xid.Aborted:
		return color.RedString
	default:
		return color.YellowString
	}
}

// parseParticipant parses a "node:lxid" token for the start command.
func parseParticipant(tok string) (xid.Participant, error) {
	parts := strings.SplitN(tok, ":", 2)
	if len(parts) != 2 {
		return xid.Participant{}, fmt.Errorf("expected node:lxid, got %q", tok)
	}
	node, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return xid.Participant{}, fmt.Errorf("bad node id %q: %w", parts[0], err)
	}
	lxid, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return xid.Participant{}, fmt.Errorf("bad lxid %q: %w", parts[1], err)
	}
	return xid.Participant{Node: xid.NodeID(node), LXID: xid.LocalXID(lxid)}, nil
}

func (c *client) cmdStart(args []string) {
	if len(args) == 0 {
		color.Red("usage: start <node:lxid> [node:lxid ...]")
		return
	}
	participants := make([]xid.Participant, 0, len(args))
	for _, a := range args {
		p, err := parseParticipant(a)
		if err != nil {
			color.Red("start: %v", err)
			return
		}
		participants = append(participants, p)
	}

	payload := wire.PutUint32(nil, uint32(len(participants)))
	for _, p := range participants {
		payload = wire.PutUint32(payload, uint32(p.Node))
		payload = wire.PutUint64(payload, uint64(p.LXID))
	}

	h, resp, err := c.roundTrip(wire.CodeStart, payload)
	if err != nil {
		color.Red("start: %v", err)
		return
	}
	if h.Code == wire.CodeError {
		printError(resp)
		return
	}
	r := wire.NewReader(resp)
	g, _ := r.Uint64()
	color.Cyan("gxid = %d", g)
}

func (c *client) cmdSnapshot(args []string) {
	if len(args) != 1 {
		color.Red("usage: snapshot <gxid>")
		return
	}
	g, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		color.Red("snapshot: %v", err)
		return
	}

	h, resp, err := c.roundTrip(wire.CodeSnapshot, wire.PutUint64(nil, g))
	if err != nil {
		color.Red("snapshot: %v", err)
		return
	}
	if h.Code == wire.CodeError {
		printError(resp)
		return
	}
	r := wire.NewReader(resp)
	xmin, _ := r.Uint64()
	xmax, _ := r.Uint64()
	n, _ := r.Uint32()
	xip := make([]uint64, 0, n)
	for i := uint32(0); i < n; i++ {
		v, _ := r.Uint64()
		xip = append(xip, v)
	}
	fmt.Printf("xmin=%d xmax=%d xip=%v\n", xmin, xmax, xip)
}

func (c *client) cmdSetStatus(args []string) {
	if len(args) != 3 {
		color.Red("usage: setstatus <gxid> <node> <commit|abort>")
		return
	}
	g, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		color.Red("setstatus: %v", err)
		return
	}
	node, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		color.Red("setstatus: %v", err)
		return
	}
	var vote xid.Vote
	switch strings.ToLower(args[2]) {
	case "commit":
		vote = xid.VoteCommit
	case "abort":
		vote = xid.VoteAbort
	default:
		color.Red("setstatus: vote must be commit or abort")
		return
	}

	payload := wire.PutUint64(nil, g)
	payload = wire.PutUint32(payload, uint32(node))
	payload = wire.PutUint8(payload, byte(vote))

	color.Cyan("waiting for terminal decision...")
	h, resp, err := c.roundTrip(wire.CodeSetStatus, payload)
	if err != nil {
		color.Red("setstatus: %v", err)
		return
	}
	if h.Code == wire.CodeError {
		printError(resp)
		return
	}
	status := xid.Status(resp[0])
	fmt.Println(statusColor(status)("%s", status))
}

func (c *client) cmdGetStatus(args []string) {
	if len(args) != 1 {
		color.Red("usage: getstatus <gxid>")
		return
	}
	g, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		color.Red("getstatus: %v", err)
		return
	}
	h, resp, err := c.roundTrip(wire.CodeGetStatus, wire.PutUint64(nil, g))
	if err != nil {
		color.Red("getstatus: %v", err)
		return
	}
	if h.Code == wire.CodeError {
		printError(resp)
		return
	}
	status := xid.Status(resp[0])
	fmt.Println(statusColor(status)("%s", status))
}

func (c *client) cmdDisconnect() {
	if err := c.send(wire.CodeDisconnect, nil); err != nil {
		color.Red("disconnect: %v", err)
		return
	}
	color.Cyan("channel disconnected")
}

func printHelp() {
	fmt.Println("commands:")
	fmt.Println("  start <node:lxid> [node:lxid ...]")
	fmt.Println("  snapshot <gxid>")
	fmt.Println("  setstatus <gxid> <node> <commit|abort>")
	fmt.Println("  getstatus <gxid>")
	fmt.Println("  disconnect")
	fmt.Println("  help")
	fmt.Println("  exit / quit")
}

func main() {
	flag.Parse()

	c, err := dial(*addr)
	if err != nil {
		color.Red("%v", err)
		return
	}
	defer c.conn.Close()

	rl, err := readline.New("dtmctl> ")
	if err != nil {
		color.Red("dtmctl: %v", err)
		return
	}
	defer rl.Close()

	color.Cyan("connected to %s (channel %d). Type 'help' for commands.", *addr, chanID)
	for {
		line, err := rl.Readline()
		if err != nil { // io.EOF or readline.ErrInterrupt
			return
		}
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) == 0 {
			continue
		}

		switch strings.ToLower(fields[0]) {
		case "start":
			c.cmdStart(fields[1:])
		case "snapshot":
			c.cmdSnapshot(fields[1:])
		case "setstatus":
			c.cmdSetStatus(fields[1:])
		case "getstatus":
			c.cmdGetStatus(fields[1:])
		case "disconnect":
			c.cmdDisconnect()
		case "help":
			printHelp()
		case "exit", "quit":
			return
		default:
			color.Red("unknown command %q, type 'help'", fields[0])
		}
	}
}
