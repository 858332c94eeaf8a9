// Package langid decides whether a page is written in the target language. It
// combines the declared markup language, the crawler's cld2 statistics, and an
// optional statistical classifier run over short metadata text.
package langid
