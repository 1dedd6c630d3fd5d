package service

import (
	"github.com/vantorsec/opflow/pkg/models"
	"github.com/vantorsec/opflow/pkg/storage"
)

// MatchCriteria narrows the candidate pool before scoring.
type MatchCriteria struct {
	RequiredCapabilities []string
	PreferredType        string
	Exclude              []string // Agent ids never considered
	MinConnectionQuality int      // Agents below this are dropped, not penalized
	RequireConnected     bool     // Restrict the pool to connected, idle or busy agents
}

func (c MatchCriteria) excluded(agentID string) bool {
	for _, id := range c.Exclude {
		if id == agentID {
			return true
		}
	}
	return false
}

// AgentLoad reports an agent's current task pressure.
type AgentLoad struct {
	Current int
	Max     int
}

// LoadInfoProvider supplies load figures for match scoring. A nil provider
// or a lookup error contributes zero to the load component instead of
// failing the match.
type LoadInfoProvider interface {
	AgentLoad(agentID string) (AgentLoad, error)
}

// storeLoadProvider derives load from the count of non-terminal records an
// agent holds, against a fixed assumed capacity.
type storeLoadProvider struct {
	store         storage.Store
	maxConcurrent int
}

func (p *storeLoadProvider) AgentLoad(agentID string) (AgentLoad, error) {
	n, err := p.store.CountActiveAgentTasks(agentID)
	if err != nil {
		return AgentLoad{}, err
	}
	return AgentLoad{Current: n, Max: p.maxConcurrent}, nil
}

// MatchResult names the selected agent, its score and the capability subset
// that matched.
type MatchResult struct {
	Agent               models.ExecutionAgent
	Score               int
	MatchedCapabilities []string
}

// AgentMatcher scores candidate agents against a task's requirements.
// Score = capability (0-50) + connection quality (0-20) + type preference
// (0 or 15) + load headroom (0-15).
type AgentMatcher struct {
	store  storage.Store
	loads  LoadInfoProvider
	logger Logger
}

func NewAgentMatcher(store storage.Store, loads LoadInfoProvider, logger Logger) *AgentMatcher {
	return &AgentMatcher{store: store, loads: loads, logger: logger}
}

// Match returns the highest-scoring candidate. Ties keep the earliest-seen
// agent; an empty pool returns ErrNoSuitableAgent.
func (m *AgentMatcher) Match(criteria MatchCriteria) (MatchResult, error) {
	agents, err := m.store.ListAgents()
	if err != nil {
		return MatchResult{}, err
	}

	var best *MatchResult
	for _, agent := range agents {
		if criteria.excluded(agent.ID) {
			continue
		}
		if agent.ConnectionQuality < criteria.MinConnectionQuality {
			continue
		}
		if criteria.RequireConnected && !agent.Schedulable() {
			continue
		}
		score, matched := m.score(agent, criteria)
		if best == nil || score > best.Score {
			best = &MatchResult{Agent: agent, Score: score, MatchedCapabilities: matched}
		}
	}
	if best == nil {
		return MatchResult{}, ErrNoSuitableAgent
	}
	m.logger.Infof("Matched agent '%s' with score %d (capabilities %v)",
		best.Agent.ID, best.Score, best.MatchedCapabilities)
	return *best, nil
}

func (m *AgentMatcher) score(agent models.ExecutionAgent, criteria MatchCriteria) (int, []string) {
	score := 0

	// Capability component: proportion of required capabilities the agent
	// advertises, worth up to 50. With nothing required every agent gets a
	// neutral 25 so it never outranks a real match.
	var matched []string
	if len(criteria.RequiredCapabilities) == 0 {
		score += 25
	} else {
		for _, required := range criteria.RequiredCapabilities {
			if agent.HasCapability(required) {
				matched = append(matched, required)
			}
		}
		score += len(matched) * 50 / len(criteria.RequiredCapabilities)
	}

	// Connection component: quality 0-100 scaled to 0-20.
	score += agent.ConnectionQuality * 20 / 100

	// Type preference component.
	if criteria.PreferredType != "" && agent.Type == criteria.PreferredType {
		score += 15
	}

	// Load component: headroom scaled to 0-15. Unavailable or erroring
	// providers contribute nothing.
	if m.loads != nil {
		if load, err := m.loads.AgentLoad(agent.ID); err == nil && load.Max > 0 {
			headroom := load.Max - load.Current
			if headroom < 0 {
				headroom = 0
			}
			score += headroom * 15 / load.Max
		}
	}

	return score, matched
}
