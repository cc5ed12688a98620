package aria2

import (
	"strconv"
)

// Status is a partial view of aria2.tellStatus. Numeric values come back as
// decimal strings.
type Status struct {
	GID             string       `json:"gid"`
	Status          string       `json:"status"` // active, waiting, paused, error, complete, removed
	TotalLength     string       `json:"totalLength"`
	CompletedLength string       `json:"completedLength"`
	DownloadSpeed   string       `json:"downloadSpeed"`
	UploadSpeed     string       `json:"uploadSpeed"`
	Connections     string       `json:"connections"`
	ErrorCode       string       `json:"errorCode"`
	ErrorMessage    string       `json:"errorMessage"`
	Dir             string       `json:"dir"`
	FollowingGID    string       `json:"followingGid"`
	FollowedBy      []string     `json:"followedBy"`
	Files           []FileStatus `json:"files"`
	Bittorrent      *BTStatus    `json:"bittorrent,omitempty"`
}

type FileStatus struct {
	Path            string `json:"path"`
	Length          string `json:"length"`
	CompletedLength string `json:"completedLength"`
}

type BTStatus struct {
	Info struct {
		Name string `json:"name"`
	} `json:"info"`
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func (s *Status) Total() int64      { return parseInt(s.TotalLength) }
func (s *Status) Completed() int64  { return parseInt(s.CompletedLength) }
func (s *Status) DownSpeed() int64  { return parseInt(s.DownloadSpeed) }
func (s *Status) UpSpeed() int64    { return parseInt(s.UploadSpeed) }
func (s *Status) ConnCount() int64  { return parseInt(s.Connections) }
func (s *Status) ErrorCodeNum() int { return int(parseInt(s.ErrorCode)) }

// Name derives a human-facing name: BT metadata name first, then the first
// file's base name.
func (s *Status) Name() string {
	if s.Bittorrent != nil && s.Bittorrent.Info.Name != "" {
		return s.Bittorrent.Info.Name
	}
	if len(s.Files) > 0 && s.Files[0].Path != "" {
		return baseName(s.Files[0].Path)
	}
	return ""
}

func baseName(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' || p[i] == '\\' {
			return p[i+1:]
		}
	}
	return p
}
