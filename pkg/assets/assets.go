package assets

import (
	"embed"
)

const GetOSScript = "get_os.sh"

//go:embed get_os.sh
var FS embed.FS

// GetOS returns the distribution detection script.
func GetOS() []byte {
	f, _ := FS.ReadFile(GetOSScript)
	return f
}
