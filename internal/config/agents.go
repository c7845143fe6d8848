package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/antoniostano/handoff/internal/domain"
)

// AgentPolicy is one agent's entry in the policy file.
type AgentPolicy struct {
	Mode           domain.DeliveryMethod `yaml:"mode" json:"mode"`
	Label          string                `yaml:"label" json:"label,omitempty"`
	PromptTemplate string                `yaml:"prompt_template" json:"prompt_template,omitempty"`
	NotifyURL      string                `yaml:"notify_url" json:"notify_url,omitempty"`
}

// Policy is the parsed agents file.
//
//	default_mode: push
//	default_prompt_template: |
//	  Task #{{.ID}}: {{.Summary}}
//	agents:
//	  reviewer:
//	    mode: pull
//	    notify_url: http://localhost:9000/hooks/reviewer
type Policy struct {
	DefaultMode           domain.DeliveryMethod  `yaml:"default_mode" json:"default_mode"`
	DefaultPromptTemplate string                 `yaml:"default_prompt_template" json:"default_prompt_template,omitempty"`
	Agents                map[string]AgentPolicy `yaml:"agents" json:"agents"`
}

// DefaultPolicy pushes to every agent with the built-in prompt.
func DefaultPolicy() Policy {
	return Policy{DefaultMode: domain.DeliveryPush, Agents: map[string]AgentPolicy{}}
}

// ParsePolicy decodes and validates a policy document.
func ParsePolicy(data []byte) (Policy, error) {
	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("decode agent policy: %w", err)
	}
	if err := p.normalize(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// LoadPolicy reads path. A missing path or file yields DefaultPolicy.
func LoadPolicy(path string) (Policy, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultPolicy(), nil
		}
		return Policy{}, fmt.Errorf("read agent policy: %w", err)
	}
	return ParsePolicy(data)
}

func (p *Policy) normalize() error {
	if p.DefaultMode == "" {
		p.DefaultMode = domain.DeliveryPush
	}
	mode, err := parseMode(string(p.DefaultMode))
	if err != nil {
		return fmt.Errorf("default_mode: %w", err)
	}
	p.DefaultMode = mode
	if err := checkTemplate(p.DefaultPromptTemplate); err != nil {
		return fmt.Errorf("default_prompt_template: %w", err)
	}

	agents := make(map[string]AgentPolicy, len(p.Agents))
	for name, ap := range p.Agents {
		key := domain.NormalizeAgentName(name)
		if key == "" {
			return fmt.Errorf("agents: empty agent name")
		}
		if _, dup := agents[key]; dup {
			return fmt.Errorf("agents.%s: duplicate entry", key)
		}
		if ap.Mode == "" {
			ap.Mode = p.DefaultMode
		}
		if ap.Mode, err = parseMode(string(ap.Mode)); err != nil {
			return fmt.Errorf("agents.%s.mode: %w", key, err)
		}
		if err := checkTemplate(ap.PromptTemplate); err != nil {
			return fmt.Errorf("agents.%s.prompt_template: %w", key, err)
		}
		ap.NotifyURL = strings.TrimSpace(ap.NotifyURL)
		if ap.NotifyURL != "" {
			u, err := url.Parse(ap.NotifyURL)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return fmt.Errorf("agents.%s.notify_url: must be an http(s) URL", key)
			}
		}
		ap.Label = strings.TrimSpace(ap.Label)
		agents[key] = ap
	}
	p.Agents = agents
	return nil
}

func parseMode(raw string) (domain.DeliveryMethod, error) {
	m, ok := domain.ParseDeliveryMethod(raw)
	if !ok || (m != domain.DeliveryPush && m != domain.DeliveryPull) {
		return "", fmt.Errorf("%q is not push or pull", raw)
	}
	return m, nil
}

func checkTemplate(text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	_, err := template.New("prompt").Parse(text)
	return err
}

// Agents serves the current policy to the components that consult it and swaps it
// atomically on reload.
type Agents struct {
	mu     sync.RWMutex
	policy Policy
}

func NewAgents(p Policy) *Agents {
	if p.Agents == nil {
		p.Agents = map[string]AgentPolicy{}
	}
	if p.DefaultMode == "" {
		p.DefaultMode = domain.DeliveryPush
	}
	return &Agents{policy: p}
}

func (a *Agents) Policy() Policy {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.policy
}

func (a *Agents) Replace(p Policy) {
	a.mu.Lock()
	a.policy = p
	a.mu.Unlock()
}

func (a *Agents) lookup(agent string) (AgentPolicy, Policy) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.policy.Agents[domain.NormalizeAgentName(agent)], a.policy
}

// Mode is how the distribution loop reaches agent.
func (a *Agents) Mode(agent string) domain.DeliveryMethod {
	ap, p := a.lookup(agent)
	if ap.Mode != "" {
		return ap.Mode
	}
	return p.DefaultMode
}

func (a *Agents) PromptTemplate(agent string) string {
	ap, p := a.lookup(agent)
	if strings.TrimSpace(ap.PromptTemplate) != "" {
		return ap.PromptTemplate
	}
	return p.DefaultPromptTemplate
}

func (a *Agents) NotifyURL(agent string) string {
	ap, _ := a.lookup(agent)
	return ap.NotifyURL
}

func (a *Agents) Label(agent string) string {
	ap, _ := a.lookup(agent)
	return ap.Label
}

// Names lists the agents the policy names, sorted.
func (a *Agents) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.policy.Agents))
	for name := range a.policy.Agents {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
