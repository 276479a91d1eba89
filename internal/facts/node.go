package facts

import (
	"bufio"
	"os"
	"slices"
	"strings"

	"github.com/aixgo-dev/fleet/internal/filter"
	"github.com/sirupsen/logrus"
)

// Source supplies the facts of the local node.
type Source interface {
	Facts() (map[string]any, error)
}

// AgentNames lists the agents installed on the local node.
type AgentNames interface {
	Names() []string
}

// Node implements filter.Node for the local machine.
type Node struct {
	Identity    string
	Facts       Source
	ClassesFile string
	Agents      AgentNames
	Logger      logrus.FieldLogger
}

var _ filter.Node = (*Node)(nil)

// HasFact compares a local fact. Unknown facts never match.
func (n *Node) HasFact(fact, operator, value string) bool {
	if n.Facts == nil {
		return false
	}
	facts, err := n.Facts.Facts()
	if err != nil {
		return false
	}
	v, ok := facts[fact]
	if !ok {
		return false
	}
	return filter.MatchFact(v, operator, value)
}

// HasClass checks the classes file for an exact or /regex/ match.
func (n *Node) HasClass(class string) bool {
	classes, err := ReadClasses(n.ClassesFile)
	if err != nil {
		n.logger().WithError(err).Warnf("Parsing classes file '%s' failed", n.ClassesFile)
		return false
	}
	return matchAny(classes, class)
}

func (n *Node) HasAgent(agent string) bool {
	if n.Agents == nil {
		return false
	}
	return matchAny(n.Agents.Names(), agent)
}

func (n *Node) HasIdentity(identity string) bool {
	if filter.IsRegex(identity) {
		return filter.MatchRegex(identity, n.Identity)
	}
	return identity == n.Identity
}

func (n *Node) logger() logrus.FieldLogger {
	if n.Logger == nil {
		return logrus.StandardLogger()
	}
	return n.Logger
}

func matchAny(values []string, want string) bool {
	if filter.IsRegex(want) {
		return slices.ContainsFunc(values, func(v string) bool { return filter.MatchRegex(want, v) })
	}
	return slices.Contains(values, want)
}

// ReadClasses returns the configuration management classes listed one per
// line in path.
func ReadClasses(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var classes []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			classes = append(classes, line)
		}
	}
	return classes, scanner.Err()
}
