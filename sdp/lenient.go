package sdp

import (
	"fmt"
	"strings"
)

/*
Some extenders send descriptions the strict parser refuses: missing
v=/o=/s=/t= lines, CRLF mixed with LF, stray spaces in attributes.

v=0
o=- 0 0 IN IP4 127.0.0.1
s=
a=control:*
m=video 0 RTP/AVP 96
a=rtpmap:96 H264/90000
a=control:trackID=0
*/

// parseLenient only looks at m= and a= lines.
func parseLenient(content string) (*description, error) {
	desc := &description{}
	var current *section

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		// Camera [BUG] a=x-framerate: 25
		if strings.Contains(line, "x-framerate") {
			line = strings.Replace(line, " ", "", -1)
		}

		typeval := strings.SplitN(line, "=", 2)
		if len(typeval) != 2 || len(typeval[0]) != 1 {
			return nil, fmt.Errorf("sdp: invalid line %q", line)
		}

		switch typeval[0] {
		case "m":
			// m=audio 49170 RTP/AVP 0 8
			fields := strings.Fields(typeval[1])
			if len(fields) < 4 {
				current = nil
				continue
			}

			current = &section{
				media:   fields[0],
				formats: fields[3:],
			}
			desc.sections = append(desc.sections, current)
		case "a":
			keyval := strings.SplitN(typeval[1], ":", 2)
			a := attribute{key: strings.TrimSpace(keyval[0])}
			if len(keyval) == 2 {
				a.value = strings.TrimSpace(keyval[1])
			}

			if current == nil {
				if a.key == "control" {
					desc.control = a.value
				}
				continue
			}

			current.attributes = append(current.attributes, a)
		}
	}

	if len(desc.sections) == 0 {
		return nil, ErrNoMedia
	}

	return desc, nil
}
