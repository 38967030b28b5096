// Package remotepath translates between the local view of the mounted cloud
// drive and the logical remote-shell view, where the remote root is spelled
// with a leading tilde.
package remotepath

import (
	"strings"

	"github.com/kballard/go-shellquote"
)

const remoteRoot = "~"

type Resolver struct {
	mountBase string
	home      string
}

func New(mountBase, home string) *Resolver {
	return &Resolver{
		mountBase: strings.TrimRight(strings.TrimSpace(mountBase), "/"),
		home:      strings.TrimRight(strings.TrimSpace(home), "/"),
	}
}

// ToRemote maps an absolute local path under the mount base (or the user's
// home directory) to its tilde-rooted logical form. Anything else passes
// through unchanged.
func (r *Resolver) ToRemote(local string) string {
	if local == "" {
		return local
	}
	if r.mountBase != "" {
		if local == r.mountBase {
			return remoteRoot
		}
		if strings.HasPrefix(local, r.mountBase+"/") {
			return remoteRoot + local[len(r.mountBase):]
		}
	}
	if r.home != "" {
		if local == r.home {
			return remoteRoot
		}
		// Require the separator so /home/aliceX is not a false prefix match.
		if strings.HasPrefix(local, r.home+"/") {
			return remoteRoot + local[len(r.home):]
		}
	}
	return local
}

// ToLocal is the inverse of ToRemote: the tilde resolves to the mount base.
func (r *Resolver) ToLocal(remote string) string {
	if remote == "" {
		return remote
	}
	if remote == remoteRoot {
		return r.mountBase
	}
	if strings.HasPrefix(remote, remoteRoot+"/") {
		return r.mountBase + remote[len(remoteRoot):]
	}
	return remote
}

// SplitTokens tokenizes a shell line preserving quoted segments.
func SplitTokens(line string) ([]string, error) {
	if strings.TrimSpace(line) == "" {
		return nil, nil
	}
	return shellquote.Split(line)
}

// RewriteLine applies ToRemote to every token of the line and rejoins it
// with shell quoting intact.
func (r *Resolver) RewriteLine(line string) (string, error) {
	tokens, err := SplitTokens(line)
	if err != nil {
		return "", err
	}
	if len(tokens) == 0 {
		return "", nil
	}
	rewritten := make([]string, len(tokens))
	for i, token := range tokens {
		rewritten[i] = r.ToRemote(token)
	}
	return JoinTokens(rewritten), nil
}

// QuoteToken shell-quotes a token while keeping a leading tilde bare, so
// the remote shell still expands it. shellquote.Join would escape the
// tilde, which turns a logical path back into a literal one.
func QuoteToken(token string) string {
	if token == remoteRoot {
		return token
	}
	if strings.HasPrefix(token, remoteRoot+"/") {
		rest := token[2:]
		if rest == shellquote.Join(rest) {
			return token
		}
		return remoteRoot + "/" + shellquote.Join(rest)
	}
	return shellquote.Join(token)
}

// JoinTokens rejoins tokens into one shell line with QuoteToken applied to
// each.
func JoinTokens(tokens []string) string {
	quoted := make([]string, len(tokens))
	for i, token := range tokens {
		quoted[i] = QuoteToken(token)
	}
	return strings.Join(quoted, " ")
}
