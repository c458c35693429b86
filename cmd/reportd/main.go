// Command reportd runs the reply report engine.
package main

import "github.com/JakeFAU/reply-report-engine/cmd"

func main() {
	cmd.Execute()
}
