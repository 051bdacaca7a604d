package version

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
)

// Version holds the current build version. Override with
// -ldflags "-X github.com/fusionn-mood/internal/version.Version=v1.2.3".
var Version = "dev"

const (
	separator = "────────────────────────────────────────────────────────────"
	banner    = `
   __           _                                            _
  / _|_   _ ___(_) ___  _ __  _ __        _ __ ___   ___   ___   __| |
 | |_| | | / __| |/ _ \| '_ \| '_ \ _____| '_ ' _ \ / _ \ / _ \ / _' |
 |  _| |_| \__ \ | (_) | | | | | | |_____| | | | | | (_) | (_) | (_| |
 |_|  \__,_|___/_|\___/|_| |_|_| |_|     |_| |_| |_|\___/ \___/ \__,_|
`
)

// Banner returns the ASCII-art project banner.
func Banner() string {
	return strings.Trim(banner, "\n")
}

// String is the one-line version used by the CLI and the API.
func String() string {
	return fmt.Sprintf("fusionn-mood %s (%s, %s/%s)", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// PrintBanner writes the decorated banner and version info to w (stdout if nil).
func PrintBanner(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, separator)
	fmt.Fprintln(w, Banner())
	fmt.Fprintf(w, "\n  fusionn-mood %s\n", Version)
	fmt.Fprintf(w, "  Video Caption Sentiment Pipeline\n")
	fmt.Fprintln(w, separator)
	fmt.Fprintln(w)
}
