// Package credentials selects the upstream account that serves a request.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"claude-bridge/internal/config"
	"claude-bridge/internal/crypto"
	openaiprovider "claude-bridge/internal/providers/openai"
)

var (
	ErrNoAccount     = errors.New("no upstream account serves this model")
	ErrAllCoolingOff = errors.New("all upstream accounts are cooling down")
)

// Account is a resolved upstream with its key already opened.
type Account struct {
	ID         string
	Backend    string
	Model      string
	StreamOnly bool
	Upstream   openaiprovider.Upstream
	models     map[string]bool
	discovered []string
}

// UpstreamModel is the model name sent upstream for a client-requested model.
func (a Account) UpstreamModel(requested string) string {
	if strings.TrimSpace(a.Model) != "" {
		return a.Model
	}
	return requested
}

func (a Account) serves(model string) bool {
	return len(a.models) == 0 || a.models[model]
}

type Provider interface {
	Pick(ctx context.Context, model string) (Account, error)
	MarkCooldown(id string, d time.Duration)
	Models() []string
}

// Pool hands out accounts round-robin, skipping those in cooldown.
type Pool struct {
	mu       sync.Mutex
	accounts []Account
	cooldown map[string]time.Time
	next     int
	now      func() time.Time
}

// NewPool resolves the configured accounts. Sealed keys need cipher.
func NewPool(accounts []config.Account, cipher *crypto.AESGCM) (*Pool, error) {
	p := &Pool{cooldown: map[string]time.Time{}, now: time.Now}
	for _, a := range accounts {
		key := strings.TrimSpace(a.APIKey)
		if crypto.IsSealed(key) {
			if cipher == nil {
				return nil, fmt.Errorf("account %s: sealed key without master key", a.ID)
			}
			opened, err := cipher.OpenString(key)
			if err != nil {
				return nil, fmt.Errorf("account %s: %w", a.ID, err)
			}
			key = opened
		}
		acc := Account{
			ID:         a.ID,
			Backend:    a.Backend,
			Model:      a.Model,
			StreamOnly: a.StreamOnly,
			Upstream: openaiprovider.Upstream{
				BaseURL:  a.BaseURL,
				APIKey:   key,
				Headers:  a.Headers,
				ProxyURL: a.ProxyURL,
			},
		}
		if len(a.Models) > 0 {
			acc.models = make(map[string]bool, len(a.Models))
			for _, m := range a.Models {
				acc.models[m] = true
			}
		}
		p.accounts = append(p.accounts, acc)
	}
	if len(p.accounts) == 0 {
		return nil, ErrNoAccount
	}
	return p, nil
}

func (p *Pool) Pick(ctx context.Context, model string) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	matched := false
	for i := 0; i < len(p.accounts); i++ {
		idx := (p.next + i) % len(p.accounts)
		acc := p.accounts[idx]
		if !acc.serves(model) {
			continue
		}
		matched = true
		if until, ok := p.cooldown[acc.ID]; ok {
			if now.Before(until) {
				continue
			}
			delete(p.cooldown, acc.ID)
		}
		p.next = idx + 1
		return acc, nil
	}
	if matched {
		return Account{}, ErrAllCoolingOff
	}
	return Account{}, fmt.Errorf("%w: %s", ErrNoAccount, model)
}

func (p *Pool) MarkCooldown(id string, d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	until := p.now().Add(d)
	if cur, ok := p.cooldown[id]; !ok || until.After(cur) {
		p.cooldown[id] = until
	}
}

// Discover asks every account without a configured model list which models
// its upstream offers. The result only feeds Models; routing still treats
// such accounts as serving any model. Failures are collected per account.
func (p *Pool) Discover(ctx context.Context) error {
	var errs []error
	for i := range p.accounts {
		a := p.accounts[i]
		if len(a.models) > 0 {
			continue
		}
		ids, err := openaiprovider.ModelIDs(ctx, a.Upstream)
		if err != nil {
			errs = append(errs, fmt.Errorf("account %s: %w", a.ID, err))
			continue
		}
		p.mu.Lock()
		p.accounts[i].discovered = ids
		p.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Models lists the advertised models of every account, sorted.
func (p *Pool) Models() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := map[string]bool{}
	for _, a := range p.accounts {
		for m := range a.models {
			seen[m] = true
		}
		for _, m := range a.discovered {
			seen[m] = true
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
