package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"
	"toolhub_api/internal/domain/model"

	"github.com/gorilla/websocket"
)

// Hub fans export-job progress updates out to connected websocket clients.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

func (h *Hub) Start() {
	go func() {
		for {
			select {
			case client := <-h.register:
				h.mu.Lock()
				h.clients[client] = true
				h.mu.Unlock()
				log.Printf("INFO: Websocket client connected. Total clients: %d", len(h.clients))
			case client := <-h.unregister:
				h.mu.Lock()
				if _, ok := h.clients[client]; ok {
					delete(h.clients, client)
					client.Close()
				}
				h.mu.Unlock()
				log.Printf("INFO: Websocket client disconnected. Remaining clients: %d", len(h.clients))
			case message := <-h.broadcast:
				h.mu.Lock()
				for client := range h.clients {
					if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
						log.Printf("WARN: Dropping websocket client after write error: %v", err)
						client.Close()
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}()
}

// BroadcastJobUpdate pushes the current state of an export job to all clients.
func (h *Hub) BroadcastJobUpdate(job *model.ExportJob) {
	update := map[string]interface{}{
		"type":                "export_job_update",
		"job_id":              job.ID,
		"tool_id":             job.ToolID,
		"status":              job.Status,
		"steps_completed":     job.StepsCompleted,
		"steps_total":         job.StepsTotal,
		"current_step":        job.CurrentStep,
		"progress_percentage": job.ComputeProgressPercentage(),
		"timestamp":           time.Now().UTC(),
	}
	if job.Status == model.ExportStatusFailed && job.ErrorMessage != nil {
		update["error"] = *job.ErrorMessage
	}

	jsonData, err := json.Marshal(update)
	if err != nil {
		log.Printf("ERROR: Failed to marshal export job update: %v", err)
		return
	}

	select {
	case h.broadcast <- jsonData:
	default:
		log.Printf("WARN: Websocket broadcast buffer full; dropping update for job %s", job.ID)
	}
}

func (h *Hub) RegisterClient(conn *websocket.Conn) {
	h.register <- conn
}

func (h *Hub) UnregisterClient(conn *websocket.Conn) {
	h.unregister <- conn
}
