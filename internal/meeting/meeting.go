package meeting

import (
	"fmt"
	"log"
	"strings"
	"sync"
)

// Launcher starts the video-meeting session for an accepted call.
type Launcher interface {
	Launch(roomName, conferenceURL string) error
}

// URLLauncher resolves the meeting URL from the configured server and
// the room name, preferring an explicit conference URL from the push.
type URLLauncher struct {
	ServerURL string

	mu      sync.Mutex
	lastURL string
}

func NewURLLauncher(serverURL string) *URLLauncher {
	return &URLLauncher{ServerURL: strings.TrimRight(serverURL, "/")}
}

func (l *URLLauncher) Launch(roomName, conferenceURL string) error {
	if roomName == "" && conferenceURL == "" {
		return fmt.Errorf("meeting: no room name or conference url to launch")
	}

	url := conferenceURL
	if url == "" {
		url = fmt.Sprintf("%s/%s", l.ServerURL, roomName)
	}

	l.mu.Lock()
	l.lastURL = url
	l.mu.Unlock()

	log.Printf("[Meeting] Launching video session %s", url)
	return nil
}

// LastURL returns the most recently launched meeting URL.
func (l *URLLauncher) LastURL() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastURL
}
