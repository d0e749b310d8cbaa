package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"giftcode-redeemer/services/redemption"
)

// readItems parses one "fid[,name]" per line. Blank lines and lines starting
// with '#' are ignored.
func readItems(r io.Reader) ([]redemption.Item, error) {
	var items []redemption.Item

	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		fid, name, _ := strings.Cut(text, ",")
		fid = strings.TrimSpace(fid)
		if fid == "" {
			return nil, fmt.Errorf("line %d: missing fid", line)
		}
		items = append(items, redemption.Item{FID: fid, Name: strings.TrimSpace(name)})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
