//go:build !no_automation

package automation

import "errors"

var (
	// ErrScriptNotFound is returned when no script file exists for an ID.
	ErrScriptNotFound = errors.New("script not found")

	// ErrInvalidScript is returned by Save for a bad ID or Lua that does not parse.
	ErrInvalidScript = errors.New("invalid script")
)

// ScriptMeta holds user-editable metadata for a script. It is stored as a
// JSON comment on the first line of the file.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is one automation script stored on disk as <id>.lua.
type Script struct {
	ID       string     `json:"id"` // filename stem (no .lua)
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"` // Lua source without the header line
	FilePath string     `json:"-"`
}
