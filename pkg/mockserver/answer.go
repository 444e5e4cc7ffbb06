package mockserver

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/gamaliel-ai/gamaliel-go/pkg/api"
)

const closing = "Read the passage in its context and let the wider witness of Scripture shape how you apply it."

// Answer builds the reply for req. The text depends only on the last user
// message and the passthrough fields, so identical requests get identical
// answers. truncated is set when max_words cut the text short.
func Answer(req *api.ChatCompletionRequest) (text string, truncated bool) {
	var b strings.Builder
	if theology := stringParam(req.Extra, api.ParamTheologySlug); theology != "" {
		fmt.Fprintf(&b, "From a %s perspective: ", theology)
	}
	if profile := stringParam(req.Extra, api.ParamProfileSlug); profile != "" {
		fmt.Fprintf(&b, "(answering for %s) ", profile)
	}
	if ref := Reference(req.Extra); ref != "" {
		fmt.Fprintf(&b, "%s speaks to this. ", ref)
	}
	if q := lastUserMessage(req.Messages); q != "" {
		fmt.Fprintf(&b, "You asked: %s ", q)
	}
	b.WriteString(closing)

	words := strings.Fields(b.String())
	if n := intParam(req.Extra, api.ParamMaxWords); n > 0 && n < len(words) {
		words = words[:n]
		truncated = true
	}
	return strings.Join(words, " "), truncated
}

// Fragments splits text into the word-sized pieces sent as stream deltas.
// Every piece after the first carries its leading space, so joining them
// reproduces text exactly.
func Fragments(text string) []string {
	words := strings.Split(text, " ")
	out := make([]string, 0, len(words))
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		out = append(out, w)
	}
	return out
}

// Reference formats book_id, chapter and verses as a citation such as
// "MAT 6:14-15". It returns "" when no book is given.
func Reference(extra map[string]any) string {
	book := stringParam(extra, api.ParamBookID)
	if book == "" {
		return ""
	}
	chapter := intParam(extra, api.ParamChapter)
	if chapter <= 0 {
		return book
	}
	ref := book + " " + strconv.Itoa(chapter)

	verses := intsParam(extra, api.ParamVerses)
	if len(verses) == 0 {
		return ref
	}
	if isRun(verses) && len(verses) > 1 {
		return fmt.Sprintf("%s:%d-%d", ref, verses[0], verses[len(verses)-1])
	}
	parts := make([]string, len(verses))
	for i, v := range verses {
		parts[i] = strconv.Itoa(v)
	}
	return ref + ":" + strings.Join(parts, ",")
}

// countWords approximates token usage for the reported usage block.
func countWords(messages []api.Message) int {
	n := 0
	for _, m := range messages {
		n += len(strings.Fields(m.Content))
	}
	return n
}

func lastUserMessage(messages []api.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == api.RoleUser {
			return strings.TrimSpace(messages[i].Content)
		}
	}
	return ""
}

func isRun(vs []int) bool {
	for i := 1; i < len(vs); i++ {
		if vs[i] != vs[i-1]+1 {
			return false
		}
	}
	return true
}

func stringParam(extra map[string]any, key string) string {
	v, ok := extra[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// intParam reads an integer passthrough value. Decoded requests carry
// json.Number; requests built in Go carry int.
func intParam(extra map[string]any, key string) int {
	n, _ := toInt(extra[key])
	return n
}

func intsParam(extra map[string]any, key string) []int {
	var out []int
	switch vs := extra[key].(type) {
	case []int:
		out = append(out, vs...)
	case []any:
		for _, v := range vs {
			if n, ok := toInt(v); ok {
				out = append(out, n)
			}
		}
	}
	return out
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}
