package util

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// ParseLinks finds links ending with a specific suffix within an HTML node tree.
// It performs a depth-first search for <a> tags and checks their href attribute.
func ParseLinks(n *html.Node, suffix string) []string {
	var out []string
	var walk func(*html.Node)

	walk = func(nd *html.Node) {
		if nd.Type == html.ElementNode && nd.Data == "a" {
			for _, a := range nd.Attr {
				if a.Key == "href" {
					if strings.HasSuffix(strings.ToLower(a.Val), strings.ToLower(suffix)) && a.Val != "/" {
						out = append(out, a.Val)
					}
					break
				}
			}
		}
		for c := nd.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}

	walk(n)
	return out
}

// IssueNumbersFromLinks extracts the issue number from every link whose final path
// segment is prefix + digits + suffix (case-insensitive). Non-matching links are ignored.
func IssueNumbersFromLinks(links []string, prefix, suffix string) []int {
	pattern := regexp.MustCompile(`(?i)^` + regexp.QuoteMeta(prefix) + `(\d+)` + regexp.QuoteMeta(suffix) + `$`)
	var out []int
	for _, link := range links {
		if i := strings.IndexAny(link, "?#"); i >= 0 {
			link = link[:i]
		}
		name := link[strings.LastIndex(link, "/")+1:]
		m := pattern.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}
