package api

// Passthrough keys understood by the Gamaliel API.
const (
	ParamTheologySlug = "theology_slug"
	ParamProfileSlug  = "profile_slug"
	ParamBookID       = "book_id"
	ParamChapter      = "chapter"
	ParamVerses       = "verses"
	ParamMaxWords     = "max_words"
)

// Params is a typed view of the Gamaliel passthrough fields. Zero values mean
// "not set" and are left out of the request. The values are not validated:
// the server decides what a theology slug or book id means.
type Params struct {
	TheologySlug string `yaml:"theology_slug"`
	ProfileSlug  string `yaml:"profile_slug"`
	BookID       string `yaml:"book_id"`
	Chapter      int    `yaml:"chapter"`
	Verses       []int  `yaml:"verses"`
	MaxWords     int    `yaml:"max_words"`
}

// Extra returns the set fields as a passthrough map, or nil if none are set.
func (p Params) Extra() map[string]any {
	m := make(map[string]any)
	if p.TheologySlug != "" {
		m[ParamTheologySlug] = p.TheologySlug
	}
	if p.ProfileSlug != "" {
		m[ParamProfileSlug] = p.ProfileSlug
	}
	if p.BookID != "" {
		m[ParamBookID] = p.BookID
	}
	if p.Chapter != 0 {
		m[ParamChapter] = p.Chapter
	}
	if len(p.Verses) > 0 {
		m[ParamVerses] = append([]int(nil), p.Verses...)
	}
	if p.MaxWords != 0 {
		m[ParamMaxWords] = p.MaxWords
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// ApplyTo merges the set fields into req.Extra. Keys already present in
// req.Extra are overwritten.
func (p Params) ApplyTo(req *ChatCompletionRequest) {
	extra := p.Extra()
	if len(extra) == 0 {
		return
	}
	if req.Extra == nil {
		req.Extra = make(map[string]any, len(extra))
	}
	for k, v := range extra {
		req.Extra[k] = v
	}
}
