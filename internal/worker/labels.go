package worker

import (
	"strings"

	"github.com/google/uuid"
)

// ParseLabels reads "k:v,k:v". Entries without a colon and empty keys are
// ignored; later keys win.
func ParseLabels(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(part, ":")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}

// Name returns the worker name for session, generating a session id when
// session is empty.
func Name(session string) string {
	if session == "" {
		session = strings.SplitN(uuid.NewString(), "-", 2)[0]
	}
	return "scraper-" + session
}
