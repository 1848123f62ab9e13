package cmd

import (
	"fmt"
	"io"
)

const banner = `
  _  ___           _             ____                      _
 | |/ (_)_ __   __| | ___ _ __  | __ )  ___   __ _ _ __ __| |
 | ' /| | '_ \ / _` + "`" + ` |/ _ \ '__| |  _ \ / _ \ / _` + "`" + ` | '__/ _` + "`" + ` |
 | . \| | | | | (_| |  __/ |    | |_) | (_) | (_| | | | (_| |
 |_|\_\_|_| |_|\__,_|\___|_|    |____/ \___/ \__,_|_|  \__,_|
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Session Relay - Version %s\x1b[0m\n\n", Version)
}
