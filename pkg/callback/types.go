package callback

// UnlimitedRate is the limiter value the engine reads as "no limit".
const UnlimitedRate int64 = 0

// AuthRequest is the body of POST /auth.
type AuthRequest struct {
	Service string `json:"service"`
	Network string `json:"network"`
	Addr    string `json:"addr"`
	Src     string `json:"src"`
}

// AuthResponse is the reply to POST /auth.
type AuthResponse struct {
	OK     bool   `json:"ok"`
	ID     string `json:"id,omitempty"`
	Secret string `json:"secret,omitempty"`
}

// LimiterRequest is the body of POST /limiter.
type LimiterRequest struct {
	Scope   string `json:"scope"`
	Service string `json:"service"`
	Network string `json:"network"`
	Addr    string `json:"addr"`
	Client  string `json:"client"`
	Src     string `json:"src"`
}

// LimiterResponse carries bytes per second in each direction.
type LimiterResponse struct {
	In  int64 `json:"in"`
	Out int64 `json:"out"`
}

// ObserverRequest is the body of POST /observer.
type ObserverRequest struct {
	Events []ObserverEvent `json:"events"`
}

// ObserverEvent is one report for one service.
type ObserverEvent struct {
	Kind    string        `json:"kind,omitempty"`
	Service string        `json:"service"`
	Client  string        `json:"client,omitempty"`
	Type    string        `json:"type"`
	Stats   *ServiceStats `json:"stats,omitempty"`
}

// ServiceStats are cumulative counters since the service started.
type ServiceStats struct {
	InputBytes   int64 `json:"inputBytes"`
	OutputBytes  int64 `json:"outputBytes"`
	TotalConns   int64 `json:"totalConns"`
	CurrentConns int64 `json:"currentConns"`
	TotalErrs    int64 `json:"totalErrs"`
}

// ObserverResponse acknowledges a batch.
type ObserverResponse struct {
	OK bool `json:"ok"`
}

const eventTypeStats = "stats"
