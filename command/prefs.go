package command

import "sync"

// Prefs holds per-conversation overrides set by slash commands. They apply
// to sessions created after the override, not retroactively.
type Prefs struct {
	mu    sync.Mutex
	cwd   map[string]string
	model map[string]string
}

func NewPrefs() *Prefs {
	return &Prefs{
		cwd:   make(map[string]string),
		model: make(map[string]string),
	}
}

// Cwd returns the working-directory override for a conversation, or empty.
func (p *Prefs) Cwd(convID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cwd[convID]
}

func (p *Prefs) SetCwd(convID, cwd string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cwd[convID] = cwd
}

// Model returns the model override for a conversation, or empty.
func (p *Prefs) Model(convID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.model[convID]
}

func (p *Prefs) SetModel(convID, model string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.model[convID] = model
}
