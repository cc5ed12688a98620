package aria2

import (
	"regexp"
	"strconv"
	"strings"
)

// aria2 exit codes, per its EXIT STATUS documentation. The daemon reflects
// the code in tellStatus errorCode and often as an "errorCode=N" prefix in
// errorMessage.
var errorCodeText = map[int]string{
	1:  "unknown backend error",
	2:  "connection timed out",
	3:  "resource not found",
	4:  "resource not found after retries",
	5:  "download too slow, aborted",
	6:  "network problem",
	7:  "backend interrupted",
	8:  "server does not support resume",
	9:  "not enough disk space",
	10: "piece length mismatch",
	11: "duplicate download in backend",
	12: "duplicate info hash in backend",
	13: "file already exists in backend",
	14: "file rename failed",
	15: "could not open output file",
	16: "could not create output file",
	17: "file write error",
	18: "could not create directory",
	19: "dns resolution failed",
	20: "could not parse metalink",
	21: "ftp command failed",
	22: "bad http response header",
	23: "too many redirects",
	24: "http authorization failed",
	25: "corrupt bencoded data",
	26: "corrupt torrent file",
	27: "bad magnet link",
	28: "bad backend option",
	29: "server overloaded, try again later",
	30: "bad rpc request",
	31: "checksum validation failed",
	32: "checksum mismatch",
}

var errorCodePrefix = regexp.MustCompile(`errorCode=(\d+)`)

var phrasePatterns = []struct {
	re   *regexp.Regexp
	text string
}{
	{regexp.MustCompile(`(?i)time ?out|timed out`), "connection timed out"},
	{regexp.MustCompile(`(?i)\b404\b|not found`), "resource not found"},
	{regexp.MustCompile(`(?i)\b403\b|forbidden`), "access forbidden"},
	{regexp.MustCompile(`(?i)\b401\b|unauthorized`), "http authorization failed"},
	{regexp.MustCompile(`(?i)5\d\d|internal server error`), "server error"},
	{regexp.MustCompile(`(?i)no space|disk.*full`), "not enough disk space"},
	{regexp.MustCompile(`(?i)\bdns\b|name resolution|resolve`), "dns resolution failed"},
	{regexp.MustCompile(`(?i)\bssl\b|\btls\b|certificate`), "tls negotiation failed"},
	{regexp.MustCompile(`(?i)refused`), "connection refused"},
	{regexp.MustCompile(`(?i)tracker`), "tracker error"},
	{regexp.MustCompile(`(?i)metadata`), "torrent metadata error"},
}

const genericError = "backend error"

// TranslateError turns a raw daemon error into a user-facing message. The
// raw message is preserved separately for operators; only the translation
// leaves the boundary.
func TranslateError(errorCode int, errorMessage string) string {
	if text, ok := errorCodeText[errorCode]; ok {
		return text
	}
	if m := errorCodePrefix.FindStringSubmatch(errorMessage); m != nil {
		if code, err := strconv.Atoi(m[1]); err == nil {
			if text, ok := errorCodeText[code]; ok {
				return text
			}
		}
	}
	msg := strings.TrimSpace(errorMessage)
	for _, p := range phrasePatterns {
		if p.re.MatchString(msg) {
			return p.text
		}
	}
	return genericError
}
