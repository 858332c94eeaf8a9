// Command ccja builds a Japanese text corpus from Common Crawl.
package main

import "github.com/JakeFAU/ccja/cmd"

func main() {
	cmd.Execute()
}
