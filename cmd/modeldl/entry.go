package main

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

const fallbackFilename = "downloaded_model"

type entry struct {
	Folder   string
	URL      string
	Filename string
}

// parseEntry reads <folder>=<url>[#<filename>].
func parseEntry(arg string) (entry, error) {
	folder, rest, ok := strings.Cut(arg, "=")
	if !ok || folder == "" || rest == "" {
		return entry{}, fmt.Errorf("invalid argument %q: want <folder>=<url>[#<filename>]", arg)
	}

	raw, filename := rest, ""
	if i := strings.LastIndex(rest, "#"); i >= 0 {
		raw, filename = rest[:i], rest[i+1:]
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return entry{}, fmt.Errorf("invalid url in %q", arg)
	}

	if filename == "" {
		filename = filenameFromURL(u)
	}

	return entry{Folder: folder, URL: raw, Filename: filename}, nil
}

func filenameFromURL(u *url.URL) string {
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return fallbackFilename
	}

	return name
}
