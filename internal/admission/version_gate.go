package admission

import (
	"context"
	"strconv"
	"strings"
)

// VersionGate rejects clients whose declared major version is strictly older
// than the server's. No declared version passes: old clients that predate
// version negotiation are assumed compatible. The rejection carries its own
// close code so clients can prompt for a reload instead of treating it as a
// protocol error.
type VersionGate struct {
	ServerVersion string
}

func (g *VersionGate) Admit(_ context.Context, req *Request, _ *Admission) error {
	if req.ClientVersion == "" || g.ServerVersion == "" {
		return nil
	}
	clientMajor, ok := major(req.ClientVersion)
	if !ok {
		return &Error{Code: CloseClientTooOld, Reason: "unparseable protocol version"}
	}
	serverMajor, ok := major(g.ServerVersion)
	if !ok {
		return nil
	}
	if clientMajor < serverMajor {
		return &Error{Code: CloseClientTooOld, Reason: "client update required"}
	}
	return nil
}

func major(version string) (int, bool) {
	head, _, _ := strings.Cut(version, ".")
	n, err := strconv.Atoi(head)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
