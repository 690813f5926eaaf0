package source

import (
	"bufio"
	"bytes"
	"os/exec"
	"strings"
)

// Candidate is one container/MIME pairing a source may produce.
type Candidate struct {
	Container string
	MimeType  string
}

// DefaultCandidates is the preference order for recordings: VP9 WebM first,
// then plainer WebM, then fragmented MP4.
var DefaultCandidates = []Candidate{
	{Container: "webm", MimeType: "video/webm;codecs=vp9,opus"},
	{Container: "webm", MimeType: "video/webm;codecs=vp8,opus"},
	{Container: "webm", MimeType: "video/webm"},
	{Container: "mp4", MimeType: "video/mp4"},
}

// PickCandidate returns the first candidate whose container is supported. If
// preferred names a container it is tried first. ok is false when nothing
// matches.
func PickCandidate(preferred string, candidates []Candidate, supported func(container string) bool) (Candidate, bool) {
	if preferred != "" {
		for _, c := range candidates {
			if c.Container == preferred && supported(c.Container) {
				return c, true
			}
		}
	}
	for _, c := range candidates {
		if supported(c.Container) {
			return c, true
		}
	}
	return Candidate{}, false
}

// ProbeMuxers lists the output formats the ffmpeg binary can write.
func ProbeMuxers(binary string) (map[string]bool, error) {
	if binary == "" {
		binary = "ffmpeg"
	}
	out, err := exec.Command(binary, "-hide_banner", "-muxers").Output()
	if err != nil {
		return nil, err
	}
	return parseMuxers(out), nil
}

// parseMuxers reads `ffmpeg -muxers` rows such as " E  webm  WebM" after
// the "--" separator. Comma-separated names are split.
func parseMuxers(out []byte) map[string]bool {
	muxers := make(map[string]bool)
	sc := bufio.NewScanner(bytes.NewReader(out))
	inList := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "--" {
			inList = true
			continue
		}
		if !inList {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.Contains(fields[0], "E") {
			continue
		}
		for _, name := range strings.Split(fields[1], ",") {
			muxers[name] = true
		}
	}
	return muxers
}
