package watcher

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Patterns holds the regular expressions used to classify lines. Each must
// contain exactly one capture group except PortInUse, which needs none.
type Patterns struct {
	Ready     string `yaml:"ready"`
	QRCode    string `yaml:"qr_code"`
	ChildPID  string `yaml:"child_pid"`
	PortInUse string `yaml:"port_in_use"`
}

// DefaultPatterns returns the markers PMHQ prints.
func DefaultPatterns() Patterns {
	return Patterns{
		Ready:     `(?i)\b(?:ready|listening)\b.*?\bport\b\D{0,3}(\d{1,5})`,
		QRCode:    `^\s*QR:\s*(\S.*?)\s*$`,
		ChildPID:  `QQ.*PID:\s*(\d+)`,
		PortInUse: `(?i)address already in use|EADDRINUSE`,
	}
}

// withDefaults fills empty fields from DefaultPatterns.
func (p Patterns) withDefaults() Patterns {
	d := DefaultPatterns()
	if p.Ready == "" {
		p.Ready = d.Ready
	}
	if p.QRCode == "" {
		p.QRCode = d.QRCode
	}
	if p.ChildPID == "" {
		p.ChildPID = d.ChildPID
	}
	if p.PortInUse == "" {
		p.PortInUse = d.PortInUse
	}
	return p
}

// Classifier matches lines against compiled Patterns. It holds no state and
// is safe for concurrent use.
type Classifier struct {
	ready     *regexp.Regexp
	qr        *regexp.Regexp
	childPID  *regexp.Regexp
	portInUse *regexp.Regexp
}

// NewClassifier compiles p. Empty fields fall back to the defaults.
func NewClassifier(p Patterns) (*Classifier, error) {
	p = p.withDefaults()

	compile := func(name, expr string, groups int) (*regexp.Regexp, error) {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compiling %s pattern: %w", name, err)
		}
		if re.NumSubexp() < groups {
			return nil, fmt.Errorf("%s pattern %q needs %d capture group(s)", name, expr, groups)
		}
		return re, nil
	}

	var (
		c   Classifier
		err error
	)
	if c.ready, err = compile("ready", p.Ready, 1); err != nil {
		return nil, err
	}
	if c.qr, err = compile("qr_code", p.QRCode, 1); err != nil {
		return nil, err
	}
	if c.childPID, err = compile("child_pid", p.ChildPID, 1); err != nil {
		return nil, err
	}
	if c.portInUse, err = compile("port_in_use", p.PortInUse, 0); err != nil {
		return nil, err
	}
	return &c, nil
}

var defaultClassifier = mustClassifier(DefaultPatterns())

func mustClassifier(p Patterns) *Classifier {
	c, err := NewClassifier(p)
	if err != nil {
		panic(err)
	}
	return c
}

// Classify classifies line with the default patterns.
func Classify(line string) Event {
	return defaultClassifier.Classify(line)
}

// Classify returns the event for a single line. The Stream field is left
// empty for the caller to fill in.
func (c *Classifier) Classify(line string) Event {
	trimmed := strings.TrimRight(line, "\r")

	if m := c.qr.FindStringSubmatch(trimmed); m != nil && m[1] != "" {
		return Event{Kind: KindQRCode, Line: line, Payload: m[1]}
	}

	if m := c.ready.FindStringSubmatch(trimmed); m != nil {
		if port, err := strconv.Atoi(m[1]); err == nil && port > 0 && port <= 65535 {
			return Event{Kind: KindReady, Line: line, Port: port}
		}
	}

	if m := c.childPID.FindStringSubmatch(trimmed); m != nil {
		if pid, err := strconv.Atoi(m[1]); err == nil && pid > 0 {
			return Event{Kind: KindChildPID, Line: line, PID: pid}
		}
	}

	if c.portInUse.MatchString(trimmed) {
		return Event{Kind: KindPortInUse, Line: line}
	}

	return Event{Kind: KindUnrecognized, Line: line}
}
