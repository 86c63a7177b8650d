package server

import (
	"context"
	"sync"

	"voxfeed/feeds"
	"voxfeed/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var sseClients = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "voxfeed_sse_clients",
	Help: "Connected live feed clients",
})

// Broadcaster fans newly published posts out to live feed clients
type Broadcaster struct {
	sync.RWMutex
	createPostClients map[string]chan models.CreatePostEvent
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		createPostClients: make(map[string]chan models.CreatePostEvent),
	}
}

func (b *Broadcaster) BroadcastCreatePost(post models.CreatePostEvent) {
	b.RLock()
	defer b.RUnlock()

	for id, client := range b.createPostClients {
		select {
		case client <- post: // Non-blocking send
		default:
			log.Warnf("Client channel full, skipping post for client: %v", id)
		}
	}
}

func (b *Broadcaster) AddClient(key string, createPostClient chan models.CreatePostEvent) {
	b.Lock()
	defer b.Unlock()
	b.createPostClients[key] = createPostClient
	sseClients.Set(float64(len(b.createPostClients)))
	log.WithFields(log.Fields{
		"key":   key,
		"count": len(b.createPostClients),
	}).Info("Adding client to broadcaster")
}

// RemoveClient closes and forgets the client channel. Unknown keys are ignored.
func (b *Broadcaster) RemoveClient(key string) {
	b.Lock()
	defer b.Unlock()

	client, ok := b.createPostClients[key]
	if !ok {
		return
	}
	close(client)
	delete(b.createPostClients, key)
	sseClients.Set(float64(len(b.createPostClients)))

	log.WithFields(log.Fields{
		"key":   key,
		"count": len(b.createPostClients),
	}).Info("Removed client from broadcaster")
}

type ProfileReader interface {
	ProfilesByIds(ctx context.Context, ids []string) (map[string]models.Profile, error)
}

// Announcer returns a hook that broadcasts a stored post as a feed item
func (b *Broadcaster) Announcer(profiles ProfileReader, urls feeds.URLResolver) func(models.Post) {
	return func(post models.Post) {
		var profile *models.Profile
		if post.UserId != nil {
			found, err := profiles.ProfilesByIds(context.Background(), []string{*post.UserId})
			if err != nil {
				log.WithFields(log.Fields{
					"post":  post.Id,
					"error": err,
				}).Warn("Error getting author profile for live feed")
			}
			if p, ok := found[*post.UserId]; ok {
				profile = &p
			}
		}
		b.BroadcastCreatePost(models.CreatePostEvent{Post: feeds.ToFeedItem(post, profile, urls)})
	}
}

func (b *Broadcaster) Clients() int {
	b.RLock()
	defer b.RUnlock()
	return len(b.createPostClients)
}

func (b *Broadcaster) Shutdown() {
	log.Info("Shutting down broadcaster")
	b.Lock()
	defer b.Unlock()
	for key, client := range b.createPostClients {
		close(client)
		delete(b.createPostClients, key)
	}
	sseClients.Set(0)
}
