// Package irc implements the Twitch chat protocol sessions: raw socket
// handling, authentication, line parsing, per-shard channel ownership, and
// reconnect with backoff. One Session owns one connection and a fixed group
// of channels; the Manager partitions the active set into such groups.
package irc

import "strings"

// Message is a parsed PRIVMSG line.
type Message struct {
	Tags    map[string]string
	User    string
	Channel string
	Text    string
}

// Presence is a parsed JOIN or PART line.
type Presence struct {
	User    string
	Channel string
	Joined  bool
}

// parseTags splits a leading @tag1=v1;tag2=v2 block and returns the rest of
// the line. Lines without tags pass through unchanged.
func parseTags(line string) (map[string]string, string) {
	if !strings.HasPrefix(line, "@") {
		return nil, line
	}
	tagPart, rest, ok := strings.Cut(line, " ")
	if !ok {
		return nil, line
	}
	tags := make(map[string]string)
	for _, item := range strings.Split(tagPart[1:], ";") {
		if k, v, ok := strings.Cut(item, "="); ok {
			tags[k] = v
		}
	}
	return tags, rest
}

// senderNick extracts the nick from a ":nick!user@host" prefix.
func senderNick(prefix string) string {
	if i := strings.Index(prefix, "!"); i > 0 && strings.HasPrefix(prefix, ":") {
		return strings.ToLower(prefix[1:i])
	}
	return ""
}

// ParsePrivMsg parses a chat line like
// ":alice!alice@x PRIVMSG #foo :hello". Malformed lines return ok=false and
// are dropped by the caller.
func ParsePrivMsg(line string) (Message, bool) {
	tags, rest := parseTags(line)
	header, body, ok := strings.Cut(rest, "PRIVMSG")
	if !ok {
		return Message{}, false
	}
	chanPart, msgPart, ok := strings.Cut(strings.TrimSpace(body), ":")
	if !ok {
		return Message{}, false
	}
	m := Message{
		Tags:    tags,
		Channel: strings.ToLower(strings.TrimPrefix(strings.TrimSpace(chanPart), "#")),
		Text:    strings.TrimSpace(msgPart),
		User:    senderNick(strings.TrimSpace(header)),
	}
	if m.Channel == "" {
		return Message{}, false
	}
	if m.User == "" {
		m.User = "unknown"
	}
	return m, true
}

// ParseNotice parses a NOTICE line into its target and text.
func ParseNotice(line string) (channel, text string, ok bool) {
	_, body, found := strings.Cut(line, "NOTICE")
	if !found {
		return "", "", false
	}
	chanPart, msgPart, found := strings.Cut(strings.TrimSpace(body), ":")
	if !found {
		return "", "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(chanPart), "#")), strings.TrimSpace(msgPart), true
}

// ParsePresence parses a JOIN or PART line.
func ParsePresence(line string) (Presence, bool) {
	verb := ""
	switch {
	case strings.Contains(line, "JOIN"):
		verb = "JOIN"
	case strings.Contains(line, "PART"):
		verb = "PART"
	default:
		return Presence{}, false
	}
	header, body, _ := strings.Cut(line, verb)
	p := Presence{
		User:    senderNick(strings.TrimSpace(header)),
		Channel: strings.ToLower(strings.TrimPrefix(strings.TrimSpace(body), "#")),
		Joined:  verb == "JOIN",
	}
	if p.User == "" || p.Channel == "" {
		return Presence{}, false
	}
	return p, true
}

// isAuthFailure reports whether a NOTICE text is a login rejection. Twitch
// answers a bad PASS with one of these instead of closing the socket, and
// retrying them forever would mask an invalid credential behind backoff.
func isAuthFailure(text string) bool {
	return strings.Contains(text, "Login authentication failed") ||
		strings.Contains(text, "Improperly formatted auth")
}

// splitLines splits buffered socket data on CRLF, returning complete lines
// and the trailing partial fragment.
func splitLines(buf string) (lines []string, rest string) {
	parts := strings.Split(buf, "\r\n")
	return parts[:len(parts)-1], parts[len(parts)-1]
}
