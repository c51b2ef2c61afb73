// Package hls parses the subset of M3U8 used by the Planet Radio HLS streams:
// master playlists listing variants, and live media playlists whose #EXTINF
// entries carry a metadata URL attribute.
package hls

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/micro-nova/planetradio-go/internal/models"
)

const (
	tagStreamInf     = "#EXT-X-STREAM-INF"
	tagInf           = "#EXTINF:"
	tagMediaSequence = "#EXT-X-MEDIA-SEQUENCE:"
)

// DefaultMediaPlaylistName is the variant file name preferred when a master
// playlist lists several.
const DefaultMediaPlaylistName = "playlist.m3u8"

// ErrNoVariants is returned for a master playlist without variant URLs.
var ErrNoVariants = errors.New("master playlist has no variants")

var (
	digitRun  = regexp.MustCompile(`[0-9]+`)
	attrURL   = regexp.MustCompile(`(?:^|[\s,])url="([^"]*)"`)
	attrTitle = regexp.MustCompile(`(?:^|[\s,])title="([^"]*)"`)
)

// IsMaster reports whether body is a master playlist.
func IsMaster(body []byte) bool {
	return bytes.Contains(body, []byte(tagStreamInf))
}

// ParseMaster returns the variant URLs of a master playlist, resolved against
// base, in playlist order.
func ParseMaster(body []byte, base *url.URL) ([]string, error) {
	var variants []string
	expectURL := false

	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, tagStreamInf):
			expectURL = true
		case strings.HasPrefix(line, "#"):
		case expectURL:
			u, err := resolve(base, line)
			if err != nil {
				return nil, err
			}
			variants = append(variants, u)
			expectURL = false
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read master playlist: %w", err)
	}
	if len(variants) == 0 {
		return nil, ErrNoVariants
	}
	return variants, nil
}

// SelectVariant returns the first variant whose file name is name, or the
// first variant when none matches.
func SelectVariant(variants []string, name string) string {
	if len(variants) == 0 {
		return ""
	}
	for _, v := range variants {
		u, err := url.Parse(v)
		if err != nil {
			continue
		}
		if path.Base(u.Path) == name {
			return v
		}
	}
	return variants[0]
}

// ParseMedia returns the segments of a media playlist with URLs resolved
// against base. Segments whose sequence id cannot be determined are dropped.
func ParseMedia(body []byte, base *url.URL) ([]models.Segment, error) {
	var (
		segments []models.Segment
		pending  *models.Segment
		mediaSeq int64 = -1
		index    int64
	)

	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, tagMediaSequence):
			if n, err := strconv.ParseInt(strings.TrimPrefix(line, tagMediaSequence), 10, 64); err == nil {
				mediaSeq = n
			}
		case strings.HasPrefix(line, tagInf):
			seg := parseInf(strings.TrimPrefix(line, tagInf))
			pending = &seg
		case strings.HasPrefix(line, "#"):
		case pending != nil:
			u, err := resolve(base, line)
			if err != nil {
				return nil, err
			}
			pending.URL = u
			if id, ok := SequenceID(u); ok {
				pending.SequenceID = id
			} else if mediaSeq >= 0 {
				pending.SequenceID = mediaSeq + index
			} else {
				pending = nil
				index++
				continue
			}
			segments = append(segments, *pending)
			pending = nil
			index++
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read media playlist: %w", err)
	}
	return segments, nil
}

// parseInf reads "<duration>,<attributes>" from an #EXTINF line. Some
// encoders separate the attributes with a space instead of the comma.
func parseInf(rest string) models.Segment {
	var seg models.Segment
	dur, _, _ := strings.Cut(rest, ",")
	if f := strings.Fields(dur); len(f) > 0 {
		if secs, err := strconv.ParseFloat(f[0], 64); err == nil && secs > 0 {
			seg.Duration = time.Duration(secs * float64(time.Second))
		}
	}
	seg.MetadataURL = MetadataURL(rest)
	return seg
}

// MetadataURL extracts the url="..." attribute, falling back to title="...".
func MetadataURL(attrs string) string {
	if m := attrURL.FindStringSubmatch(attrs); m != nil && m[1] != "" {
		return m[1]
	}
	if m := attrTitle.FindStringSubmatch(attrs); m != nil && m[1] != "" {
		return m[1]
	}
	return ""
}

// SequenceID returns the last run of digits in the file name of a segment
// URL: ".../planetrock_0001234.aac?x=1" yields 1234.
func SequenceID(segmentURL string) (int64, bool) {
	name := segmentURL
	if u, err := url.Parse(segmentURL); err == nil {
		name = u.Path
	}
	name = path.Base(name)
	runs := digitRun.FindAllString(strings.TrimSuffix(name, path.Ext(name)), -1)
	if len(runs) == 0 {
		runs = digitRun.FindAllString(name, -1)
	}
	if len(runs) == 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(runs[len(runs)-1], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func resolve(base *url.URL, ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse playlist url %q: %w", ref, err)
	}
	if base == nil {
		return u.String(), nil
	}
	return base.ResolveReference(u).String(), nil
}
