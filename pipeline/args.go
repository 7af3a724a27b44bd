package pipeline

import (
	"strconv"
	"strings"

	"github.com/galaxy-iot/extender/av"
)

const (
	DefaultMuxArgs = "-hide_banner -loglevel error -fflags +genpts " +
		"{video_format} -i {video} {audio_format} -i {audio} " +
		"-map 0:v:0 -map 1:a:0 -c:v copy -c:a aac -f mpegts pipe:1"
	DefaultPlayArgs = "-hide_banner -loglevel error -f mpegts -i pipe:0 -sn -dn -autoexit"
)

var placeholders = map[string]av.MediaKind{
	"{video}": av.Video,
	"{audio}": av.Audio,
}

var formatPlaceholders = map[string]av.MediaKind{
	"{video_format}": av.Video,
	"{audio_format}": av.Audio,
}

// expandArgs fills a whitespace separated argument template. Inputs of an
// absent stream are left out together with their format hints and -map
// options, and the remaining -map input indexes are renumbered.
func expandArgs(template string, inputs map[av.MediaKind]*input) []string {
	tokens := strings.Fields(template)

	// original input index to the index after absent inputs are removed
	renumber := map[int]int{}
	original, next := 0, 0
	for i := 0; i+1 < len(tokens); i++ {
		if tokens[i] != "-i" {
			continue
		}

		kind, isPlaceholder := placeholders[tokens[i+1]]
		if !isPlaceholder || inputs[kind] != nil {
			renumber[original] = next
			next++
		}
		original++
		i++
	}

	args := make([]string, 0, len(tokens))
	for i := 0; i < len(tokens); i++ {
		token := tokens[i]

		if kind, ok := formatPlaceholders[token]; ok {
			if in := inputs[kind]; in != nil {
				args = append(args, in.format.InputArgs(in.media)...)
			}
			continue
		}

		if i+1 < len(tokens) {
			switch token {
			case "-i":
				if kind, ok := placeholders[tokens[i+1]]; ok && inputs[kind] == nil {
					i++
					continue
				}
			case "-map":
				spec, ok := remapInput(tokens[i+1], renumber)
				if !ok {
					i++
					continue
				}
				args = append(args, token, spec)
				i++
				continue
			}
		}

		for placeholder, kind := range placeholders {
			if in := inputs[kind]; in != nil {
				token = strings.ReplaceAll(token, placeholder, in.path)
			}
		}
		args = append(args, token)
	}

	return args
}

// remapInput rewrites the leading input index of a -map specifier. It
// reports false when that input was removed.
func remapInput(spec string, renumber map[int]int) (string, bool) {
	prefix, rest, found := strings.Cut(spec, ":")
	index, err := strconv.Atoi(prefix)
	if err != nil {
		return spec, true
	}

	mapped, ok := renumber[index]
	if !ok {
		return "", false
	}

	if !found {
		return strconv.Itoa(mapped), true
	}
	return strconv.Itoa(mapped) + ":" + rest, true
}
