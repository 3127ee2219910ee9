package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
)

var (
	// ErrProtocol marks a malformed or unexpected message.
	ErrProtocol = errors.New("protocol error")
	// ErrBrokenConnection marks a peer that closed before a frame was complete.
	ErrBrokenConnection = errors.New("broken connection")
)

// Ack is the acknowledgment sent for start and result messages.
const Ack = "OK"

// Kind tags the decoded variant of a Message.
type Kind int

const (
	KindJoin Kind = iota + 1
	KindStart
	KindResult
	KindProbe
)

func (k Kind) String() string {
	switch k {
	case KindJoin:
		return "join"
	case KindStart:
		return "start"
	case KindResult:
		return "result"
	case KindProbe:
		return "probe"
	default:
		return "unknown"
	}
}

// Message is one decoded protocol message. The set of implementations is
// closed: JoinRequest, StartRequest, ResultReport and Probe. On the wire
// every value is a JSON string; fields builds that object.
type Message interface {
	Kind() Kind
	fields() map[string]string
}

// JoinRequest announces a worker. Port is zero on the wire from the worker
// and filled in by the listener with the allocated callback port.
type JoinRequest struct {
	IP   string
	Port int
}

func (JoinRequest) Kind() Kind { return KindJoin }

func (m JoinRequest) fields() map[string]string {
	f := map[string]string{"command": "join", "ip": m.IP}
	if m.Port != 0 {
		f["port"] = strconv.Itoa(m.Port)
	}
	return f
}

// Addr is the worker's callback address.
func (m JoinRequest) Addr() string {
	return net.JoinHostPort(m.IP, strconv.Itoa(m.Port))
}

// StartRequest hands a worker its half-open K range [KDown, KUp).
type StartRequest struct {
	DatasetDir string
	Epsilon    float64
	KDown      int
	KUp        int
}

func (StartRequest) Kind() Kind { return KindStart }

func (m StartRequest) fields() map[string]string {
	return map[string]string{
		"command": "start",
		"kDown":   strconv.Itoa(m.KDown),
		"kUp":     strconv.Itoa(m.KUp),
		"epsilon": strconv.FormatFloat(m.Epsilon, 'g', -1, 64),
		"dsDir":   m.DatasetDir,
	}
}

// ResultReport carries the SSD a worker obtained for one K.
type ResultReport struct {
	K   int
	SSD float64
}

func (ResultReport) Kind() Kind { return KindResult }

func (m ResultReport) fields() map[string]string {
	return map[string]string{
		"command": "result",
		"k":       strconv.Itoa(m.K),
		"ssd":     strconv.FormatFloat(m.SSD, 'g', -1, 64),
	}
}

// Probe is the no-op a listener sends to itself to wake a blocked accept.
type Probe struct{}

func (Probe) Kind() Kind { return KindProbe }

func (Probe) fields() map[string]string {
	return map[string]string{"nd": "nd"}
}

// Marshal renders m as the JSON object carried inside a frame.
func Marshal(m Message) ([]byte, error) {
	return json.Marshal(m.fields())
}

// Decode parses a frame body into its Message variant. Bodies that are not
// a string-to-string JSON object, lack a command, or carry unparsable
// fields fail with ErrProtocol.
func Decode(body []byte) (Message, error) {
	var f map[string]string
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	cmd, ok := f["command"]
	if !ok {
		if f["nd"] == "nd" {
			return Probe{}, nil
		}
		return nil, fmt.Errorf("%w: missing command", ErrProtocol)
	}

	switch cmd {
	case "join":
		ip := net.ParseIP(f["ip"])
		if ip == nil || ip.To4() == nil {
			return nil, fmt.Errorf("%w: join: bad ip %q", ErrProtocol, f["ip"])
		}
		m := JoinRequest{IP: ip.To4().String()}
		if p, ok := f["port"]; ok {
			port, err := parsePort(p)
			if err != nil {
				return nil, err
			}
			m.Port = port
		}
		return m, nil

	case "start":
		var m StartRequest
		var err error
		if m.KDown, err = intField(f, "kDown"); err != nil {
			return nil, err
		}
		if m.KUp, err = intField(f, "kUp"); err != nil {
			return nil, err
		}
		if m.Epsilon, err = floatField(f, "epsilon"); err != nil {
			return nil, err
		}
		m.DatasetDir = f["dsDir"]
		return m, nil

	case "result":
		var m ResultReport
		var err error
		if m.K, err = intField(f, "k"); err != nil {
			return nil, err
		}
		if m.SSD, err = floatField(f, "ssd"); err != nil {
			return nil, err
		}
		return m, nil

	default:
		return nil, fmt.Errorf("%w: unknown command %q", ErrProtocol, cmd)
	}
}

// ParsePort parses a join reply.
func ParsePort(reply string) (int, error) {
	return parsePort(reply)
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("%w: bad port %q", ErrProtocol, s)
	}
	return port, nil
}

func intField(f map[string]string, key string) (int, error) {
	s, ok := f[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %s", ErrProtocol, key)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrProtocol, key, err)
	}
	return n, nil
}

func floatField(f map[string]string, key string) (float64, error) {
	s, ok := f[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %s", ErrProtocol, key)
	}
	x, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrProtocol, key, err)
	}
	return x, nil
}
