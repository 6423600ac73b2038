package daemon

// Commands understood by the daemon.
const (
	CmdStatus    = "status"
	CmdStart     = "start"
	CmdStop      = "stop"
	CmdToggle    = "toggle"
	CmdAuthorize = "authorize"
	CmdWatch     = "watch"
)

// Request is sent from the CLI client to the daemon.
type Request struct {
	Command string `json:"command"`
}

// Response is sent from the daemon back to the CLI client. A watch
// connection receives one Response per state change.
type Response struct {
	Running    bool   `json:"running"`
	Authorized bool   `json:"authorized"`
	Error      string `json:"error,omitempty"`
}
