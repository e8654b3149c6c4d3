package pgpubsub

import (
	"fmt"
	"regexp"
)

// internalChannelPrefix is the namespace reserved for lock-release
// signalling, guaranteeing it never collides with a user channel name.
var internalChannelPrefix = fmt.Sprintf("__%s__:", lockTag)

var internalChannelPattern = regexp.MustCompile(`^__` + regexp.QuoteMeta(lockTag) + `__:`)

// mangleChannel maps a user channel name to its internal lock-release
// channel name.
func mangleChannel(channel string) string {
	return internalChannelPrefix + channel
}

// isInternalChannel reports whether name falls in the reserved lock
// namespace.
func isInternalChannel(name string) bool {
	return internalChannelPattern.MatchString(name)
}

// unmangleChannel strips the internal lock-namespace prefix, returning the
// original user channel name. Safe to call on a name with no prefix: it is
// returned unchanged.
func unmangleChannel(name string) string {
	return internalChannelPattern.ReplaceAllString(name, "")
}
