package discovery

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/aixgo-dev/fleet/internal/filter"
	"github.com/aixgo-dev/fleet/internal/inventory"
	"github.com/sirupsen/logrus"
)

var identityPattern = regexp.MustCompile(`^[\w.\-]+$`)

// Pinger broadcasts a discovery ping and reports every responder.
type Pinger interface {
	Ping(ctx context.Context, f *filter.Filter, collective string, timeout time.Duration, limit int, fn func(identity string)) error
}

// MC discovers nodes by broadcasting a ping to the discovery agent and
// collecting the identities that answer before the timeout.
type MC struct {
	Client Pinger
}

func (MC) Descriptor() Descriptor {
	return Descriptor{
		Name:         DefaultMethod,
		Description:  "Broadcast discovery using the discovery agent",
		Timeout:      2 * time.Second,
		Capabilities: []Capability{Classes, Facts, Identity, Agents, Compound},
	}
}

func (m MC) Discover(ctx context.Context, req Request) ([]string, error) {
	var nodes []string
	seen := make(map[string]struct{})
	err := m.Client.Ping(ctx, req.Filter, req.Collective, req.Timeout, req.Limit, func(identity string) {
		if _, dup := seen[identity]; dup {
			return
		}
		seen[identity] = struct{}{}
		nodes = append(nodes, identity)
	})
	return nodes, err
}

// Flatfile reads identities from a file named by the first discovery
// option, one per line. Blank lines and # comments are skipped.
type Flatfile struct{}

func (Flatfile) Descriptor() Descriptor {
	return Descriptor{
		Name:         "flatfile",
		Description:  "Flatfile based discovery for node identities",
		Timeout:      0,
		Capabilities: []Capability{Identity},
	}
}

func (Flatfile) Discover(_ context.Context, req Request) ([]string, error) {
	if len(req.Options) == 0 {
		return nil, errors.New("the flatfile discovery method needs a path to a text file")
	}
	path := req.Options[0]

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read the file %s specified as discovery source: %w", path, err)
	}
	defer f.Close()

	var hosts []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		host := strings.TrimSpace(scanner.Text())
		if host == "" || strings.HasPrefix(host, "#") {
			continue
		}
		if !identityPattern.MatchString(host) {
			return nil, fmt.Errorf("identities can only match %s, got %q", identityPattern, host)
		}
		hosts = append(hosts, host)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	return MatchIdentities(hosts, req.Filter), nil
}

// Stdin reads identities from a reader, normally standard input. The
// first discovery option selects the format: auto, text or json.
type Stdin struct {
	Reader io.Reader
}

func (Stdin) Descriptor() Descriptor {
	return Descriptor{
		Name:         "stdin",
		Description:  "STDIN based discovery for node identities",
		Timeout:      0,
		Capabilities: []Capability{Identity},
	}
}

func (s Stdin) Discover(_ context.Context, req Request) ([]string, error) {
	format := "auto"
	if len(req.Options) > 0 {
		format = strings.ToLower(req.Options[0])
	}

	r := s.Reader
	if r == nil {
		r = os.Stdin
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	input := string(raw)
	if strings.TrimSpace(input) == "" {
		return nil, errors.New("data piped on STDIN contained only whitespace - could not discover hosts from it")
	}

	if format == "auto" {
		format = "text"
		if strings.HasPrefix(strings.TrimSpace(input), "[") {
			format = "json"
		}
	}

	var hosts []string
	switch format {
	case "json":
		hosts, err = HostsFromJSON(raw)
		if err != nil {
			return nil, err
		}
	case "text":
		for _, line := range strings.Split(input, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				hosts = append(hosts, line)
			}
		}
	default:
		return nil, fmt.Errorf("stdin discovery plugin only knows the types auto/text/json, not %q", format)
	}

	for _, host := range hosts {
		if !identityPattern.MatchString(host) {
			return nil, fmt.Errorf("identities can only match %s, got %q", identityPattern, host)
		}
	}
	return MatchIdentities(hosts, req.Filter), nil
}

// HostsFromJSON extracts identities from a JSON array of strings or of
// reply objects carrying a "sender" field.
func HostsFromJSON(raw []byte) ([]string, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("could not parse hosts from JSON: %w", err)
	}

	hosts := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			hosts = append(hosts, s)
			continue
		}
		var reply struct {
			Sender string `json:"sender"`
		}
		if err := json.Unmarshal(item, &reply); err != nil || reply.Sender == "" {
			return nil, fmt.Errorf("JSON host entries need a sender: %s", item)
		}
		hosts = append(hosts, reply.Sender)
	}
	return hosts, nil
}

// MatchIdentities keeps the hosts selected by the identity predicates of f
// in their original order. Without identity predicates every host is kept.
func MatchIdentities(hosts []string, f *filter.Filter) []string {
	if f == nil || len(f.Identity) == 0 {
		return hosts
	}
	var out []string
	for _, host := range hosts {
		for _, want := range f.Identity {
			if want == host || (filter.IsRegex(want) && filter.MatchRegex(want, host)) {
				out = append(out, host)
				break
			}
		}
	}
	return out
}

// External delegates discovery to an external command that prints a JSON
// array of identities.
type External struct {
	// Command is the binary to run
	Command string
	// Method is passed to the command as the discovery method to use
	Method string
	Logger logrus.FieldLogger
}

func (External) Descriptor() Descriptor {
	return Descriptor{
		Name:         "external",
		Description:  "Delegates discovery to an external command",
		Timeout:      2 * time.Second,
		Capabilities: []Capability{Classes, Facts, Identity, Agents},
	}
}

// Args builds the command line for req.
func (x External) Args(req Request) []string {
	args := []string{"discover", "-j", "--silent"}
	if req.Collective != "" {
		args = append(args, "-T", req.Collective)
	}
	if f := req.Filter; f != nil {
		for _, i := range f.Identity {
			args = append(args, "-I", i)
		}
		for _, c := range f.Class {
			args = append(args, "-C", c)
		}
		for _, fact := range f.Fact {
			args = append(args, "-F", fact.Fact+fact.Operator+fact.Value)
		}
		for _, a := range f.Agent {
			args = append(args, "-A", a)
		}
	}
	for _, opt := range req.Options {
		args = append(args, "--do", opt)
	}
	method := x.Method
	if method == "" {
		method = "broadcast"
	}
	return append(args, "--dm", method)
}

// Discover runs the command with half a second of grace over the
// discovery timeout.
func (x External) Discover(ctx context.Context, req Request) ([]string, error) {
	if x.Command == "" {
		return nil, errors.New("external discovery needs a command")
	}
	path, err := exec.LookPath(x.Command)
	if err != nil {
		return nil, fmt.Errorf("cannot find %s in your path: %w", x.Command, err)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), req.Timeout+500*time.Millisecond)
	defer cancel()

	args := x.Args(req)
	if x.Logger != nil {
		x.Logger.WithField("command", append([]string{path}, args...)).Debug("executing external discovery")
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s failed to complete discovery within %s", x.Command, req.Timeout)
		}
		return nil, fmt.Errorf("%s discovery failed: %w: %s", x.Command, err, strings.TrimSpace(stderr.String()))
	}

	var nodes []string
	if err := json.Unmarshal(stdout.Bytes(), &nodes); err != nil {
		return nil, fmt.Errorf("parse %s output: %w", x.Command, err)
	}
	return nodes, nil
}

// Inventory answers discovery from node registrations without any network
// broadcast.
type Inventory struct {
	Store  inventory.Store
	Logger logrus.FieldLogger
}

func (Inventory) Descriptor() Descriptor {
	return Descriptor{
		Name:         "inventory",
		Description:  "Discovery against the node registration inventory",
		Timeout:      time.Second,
		Capabilities: []Capability{Classes, Facts, Identity, Agents},
	}
}

func (i Inventory) Discover(ctx context.Context, req Request) ([]string, error) {
	regs, err := i.Store.List(ctx)
	if err != nil {
		return nil, err
	}

	logger := i.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	var nodes []string
	for _, reg := range regs {
		if req.Collective != "" && len(reg.Collectives) > 0 && !slices.Contains(reg.Collectives, req.Collective) {
			continue
		}
		ev := filter.NewEvaluator(inventory.Node{Registration: reg}, nil, logger)
		if req.Filter.Matches(ctx, ev) {
			nodes = append(nodes, reg.Identity)
		}
	}
	return nodes, nil
}
