// Package gate implements the egress gates driven by the watchdog.
package gate

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/coreos/go-iptables/iptables"
)

// Defaults for the iptables gate.
const (
	DefaultIptablesPath = "/usr/sbin/iptables-legacy"
	DefaultChain        = "OUTPUT"
	DefaultTimeout      = 5 * time.Second

	filterTable = "filter"
)

// Iptables sets the default policy of a filter chain to ACCEPT or DROP.
// Setting a policy is idempotent, so repeated calls are harmless.
type Iptables struct {
	ipt   *iptables.IPTables
	chain string
	log   *slog.Logger
}

// IptablesConfig selects the binary and chain an Iptables gate drives.
// Zero fields take the defaults. Timeout bounds the wait for the xtables
// lock and is rounded up to whole seconds.
type IptablesConfig struct {
	Path    string
	Chain   string
	Timeout time.Duration
	Log     *slog.Logger
}

// NewIptables checks that the binary at cfg.Path runs and reports a
// version, and returns a gate driving it.
func NewIptables(cfg IptablesConfig) (*Iptables, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultIptablesPath
	}
	if cfg.Chain == "" {
		cfg.Chain = DefaultChain
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	ipt, err := iptables.New(
		iptables.Path(cfg.Path),
		iptables.Timeout(int((cfg.Timeout+time.Second-1)/time.Second)),
	)
	if err != nil {
		return nil, fmt.Errorf("gate: %s: %w", cfg.Path, err)
	}
	return &Iptables{ipt: ipt, chain: cfg.Chain, log: logger(cfg.Log)}, nil
}

// Allow sets the chain policy to ACCEPT.
func (g *Iptables) Allow() error { return g.policy("ACCEPT") }

// Deny sets the chain policy to DROP.
func (g *Iptables) Deny() error { return g.policy("DROP") }

func (g *Iptables) policy(target string) error {
	if err := g.ipt.ChangePolicy(filterTable, g.chain, target); err != nil {
		return fmt.Errorf("gate: -P %s %s: %w", g.chain, target, err)
	}
	g.log.Debug("chain policy set", "chain", g.chain, "policy", target)
	return nil
}

// Log only logs decisions. It is the dry-run gate.
type Log struct {
	Logger *slog.Logger
}

// Allow logs that egress would be allowed.
func (g Log) Allow() error {
	logger(g.Logger).Info("egress allowed (dry run)")
	return nil
}

// Deny logs that egress would be denied.
func (g Log) Deny() error {
	logger(g.Logger).Warn("egress denied (dry run)")
	return nil
}

// Func adapts a function to a gate. allow reports the requested state.
type Func func(allow bool) error

// Allow calls f(true).
func (f Func) Allow() error { return f(true) }

// Deny calls f(false).
func (f Func) Deny() error { return f(false) }

// Nop accepts every decision silently.
type Nop struct{}

// Allow does nothing.
func (Nop) Allow() error { return nil }

// Deny does nothing.
func (Nop) Deny() error { return nil }

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", "gate")
}
