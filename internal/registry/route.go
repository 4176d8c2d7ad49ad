package registry

// LLMProfile is one named routing configuration.
type LLMProfile struct {
	ID            string
	Provider      string
	LLMApiBase    string
	LLMApiKey     string
	LLMModel      string
	Role          string
	TimeoutMs     int
	RetryMaxAttempts int
	RetryCapDelayMs  int
}

// RouteConfig is the subset of Config route resolution reads.
type RouteConfig struct {
	Profiles         []LLMProfile
	DefaultProfile   string
	ProfileChains    map[string][]string // role -> ordered profile ids
	EscalationPolicy string              // "" / "upgrade_only" / "disabled"
}

// RouteRequest is the optional {profile, role} a caller supplies.
type RouteRequest struct {
	Profile string
	Role    string
}

// Source is how a route was selected.
type Source string

const (
	SourceExplicit   Source = "explicit"
	SourceDefault    Source = "default"
	SourceEscalation Source = "escalation"
)

// RouteResult is what Resolve emits on llm.route.selected.
type RouteResult struct {
	Profile         LLMProfile
	Provider        string
	Model           string
	Source          Source
	Role            string
	OrderedProfiles []string
}

// RouteReason is one of the stable, lower_snake route-failure identifiers
// (distinct from the E_* CodedError taxonomy, which covers transport and
// runtime failures rather than route-configuration ones).
type RouteReason string

const (
	ReasonProfileNotFound   RouteReason = "profile_not_found"
	ReasonMissingLLMConfig  RouteReason = "missing_llm_config"
	ReasonProviderNotFound  RouteReason = "provider_not_found"
	ReasonNoHigherProfile   RouteReason = "no_higher_profile"
)

// RouteError carries one of the RouteReason identifiers.
type RouteError struct {
	Reason RouteReason
}

func (e *RouteError) Error() string { return string(e.Reason) }

// ProviderFactory constructs or looks up the concrete provider implementation
// registered under an LLM provider name, kept opaque here to avoid
// importing internal/providers into the registry — routing only needs to
// know a name is registered, not call it.
type ProviderFactory func() any

// EventEmitter is the minimal event-bus surface route resolution needs;
// implemented by the kernel's event bus (internal/kernel).
type EventEmitter interface {
	Emit(name string, data map[string]any)
}

// RouteTable holds registered LLM provider names, verified at resolution
// time and mutated by plugin llmProvider replacements (plugin.go).
type RouteTable struct {
	providers map[string]ProviderFactory
}

func NewRouteTable() *RouteTable {
	return &RouteTable{providers: make(map[string]ProviderFactory)}
}

func (t *RouteTable) RegisterProvider(name string, factory ProviderFactory) {
	t.providers[name] = factory
}

func (t *RouteTable) HasProvider(name string) bool {
	_, ok := t.providers[name]
	return ok
}

func findProfile(profiles []LLMProfile, id string) (LLMProfile, bool) {
	for _, p := range profiles {
		if p.ID == id {
			return p, true
		}
	}
	return LLMProfile{}, false
}

// Resolve walks explicit-profile, role-chain, then default-profile lookup,
// validates the config, and verifies the provider is registered.
// llmProfiles is contractually an array: RouteConfig.Profiles is typed as a
// slice, so an object-shaped config value is rejected by the caller's own
// JSON decode, and a nil or empty list yields profile_not_found for any
// lookup.
func (t *RouteTable) Resolve(cfg RouteConfig, req RouteRequest, emit EventEmitter) (RouteResult, error) {
	var profile LLMProfile
	var ok bool
	var source Source
	var role string
	var ordered []string

	switch {
	case req.Profile != "":
		profile, ok = findProfile(cfg.Profiles, req.Profile)
		source = SourceExplicit
		if !ok {
			return RouteResult{}, &RouteError{Reason: ReasonProfileNotFound}
		}
	case req.Role != "":
		role = req.Role
		ordered = cfg.ProfileChains[role]
		if len(ordered) == 0 {
			return RouteResult{}, &RouteError{Reason: ReasonProfileNotFound}
		}
		profile, ok = findProfile(cfg.Profiles, ordered[0])
		source = SourceDefault
		if !ok {
			return RouteResult{}, &RouteError{Reason: ReasonProfileNotFound}
		}
	default:
		profile, ok = findProfile(cfg.Profiles, cfg.DefaultProfile)
		source = SourceDefault
		if !ok {
			return RouteResult{}, &RouteError{Reason: ReasonProfileNotFound}
		}
	}

	if profile.LLMApiBase == "" || profile.LLMApiKey == "" {
		return RouteResult{}, &RouteError{Reason: ReasonMissingLLMConfig}
	}

	if !t.HasProvider(profile.Provider) {
		if emit != nil {
			emit.Emit("llm.route.blocked", map[string]any{
				"profile": profile.ID, "provider": profile.Provider, "reason": string(ReasonProviderNotFound),
			})
		}
		return RouteResult{}, &RouteError{Reason: ReasonProviderNotFound}
	}

	result := RouteResult{
		Profile:         profile,
		Provider:        profile.Provider,
		Model:           profile.LLMModel,
		Source:          source,
		Role:            role,
		OrderedProfiles: ordered,
	}
	if emit != nil {
		emit.Emit("llm.route.selected", map[string]any{
			"profile": result.Profile.ID, "provider": result.Provider, "model": result.Model,
			"source": string(result.Source), "role": result.Role, "orderedProfiles": result.OrderedProfiles,
		})
	}
	return result, nil
}

// EscalationVerdict is decideProfileEscalation's outcome.
type EscalationVerdict string

const (
	EscalationEscalate EscalationVerdict = "escalate"
	EscalationNoChange EscalationVerdict = "no_change"
	EscalationBlocked  EscalationVerdict = "blocked"
)

// EscalationDecision is decideProfileEscalation's full result.
type EscalationDecision struct {
	Verdict    EscalationVerdict
	NextProfile string
	Reason     string
}

// DecideProfileEscalationInput is the decision's full input:
// {orderedProfiles, currentProfile, repeatedFailure, policy}.
type DecideProfileEscalationInput struct {
	OrderedProfiles []string
	CurrentProfile  string
	RepeatedFailure bool
	Policy          string // "" / "upgrade_only" / "disabled"
}

// DecideProfileEscalation decides whether a repeated failure on the current
// profile should advance to the next profile in the chain. A "disabled"
// policy suppresses all advancement; reaching the top of the chain is
// "blocked:no_higher_profile".
func DecideProfileEscalation(in DecideProfileEscalationInput) EscalationDecision {
	if !in.RepeatedFailure {
		return EscalationDecision{Verdict: EscalationNoChange}
	}
	if in.Policy == "disabled" {
		return EscalationDecision{Verdict: EscalationNoChange, Reason: "escalation_disabled"}
	}

	idx := -1
	for i, p := range in.OrderedProfiles {
		if p == in.CurrentProfile {
			idx = i
			break
		}
	}
	if idx == -1 || idx+1 >= len(in.OrderedProfiles) {
		return EscalationDecision{Verdict: EscalationBlocked, Reason: string(ReasonNoHigherProfile)}
	}
	return EscalationDecision{Verdict: EscalationEscalate, NextProfile: in.OrderedProfiles[idx+1]}
}
