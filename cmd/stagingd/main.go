// Package main implements the IronPXE staging depot. It holds disk images
// in transit between clone source and target when the two machines cannot
// see shared storage, and accounts capacity for the control plane's
// backend selection.
package main

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Area is one allocated staging slot.
type Area struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	SizeBytes  int64     `json:"size_bytes"`
	SHA256     string    `json:"sha256,omitempty"`
	ImageBytes int64     `json:"image_bytes"`
	CreatedAt  time.Time `json:"created_at"`
}

// Config holds the server configuration.
type Config struct {
	DataDir       string
	ListenAddr    string
	Token         string
	CapacityBytes int64
}

// Store tracks areas in memory and mirrors them to per-area metadata files
// so allocations survive restarts.
type Store struct {
	mu       sync.Mutex
	areas    map[string]*Area
	dataDir  string
	capacity int64
}

var (
	log    *zap.Logger
	config Config
	store  *Store
)

func main() {
	// Initialize logger
	var err error
	log, err = zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer log.Sync()

	// Load configuration from environment
	config = Config{
		DataDir:       getEnv("DATA_DIR", "/data/staging"),
		ListenAddr:    getEnv("LISTEN_ADDR", "0.0.0.0:9100"),
		Token:         getEnv("DEPOT_TOKEN", ""),
		CapacityBytes: getEnvInt64("CAPACITY_BYTES", 500<<30),
	}

	if err := os.MkdirAll(config.DataDir, 0o755); err != nil {
		log.Fatal("Failed to create data directory", zap.String("dir", config.DataDir), zap.Error(err))
	}

	store, err = loadStore(config.DataDir, config.CapacityBytes)
	if err != nil {
		log.Fatal("Failed to load area metadata", zap.Error(err))
	}

	log.Info("Starting IronPXE Staging Depot",
		zap.String("data_dir", config.DataDir),
		zap.String("listen_addr", config.ListenAddr),
		zap.Int64("capacity_bytes", config.CapacityBytes),
		zap.Int("areas", store.Count()),
		zap.Bool("auth_enabled", config.Token != ""),
	)

	// Create Fiber app. Image bodies stream to disk, never into memory.
	app := fiber.New(fiber.Config{
		AppName:           "IronPXE Staging Depot",
		ServerHeader:      "IronPXE-Stagingd",
		StreamRequestBody: true,
		BodyLimit:         -1,
	})

	// Middleware
	app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${ip} | ${method} | ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))

	// Health check
	app.Get("/health", handleHealth)

	// Depot API
	v1 := app.Group("/v1", authMiddleware)
	v1.Post("/areas", handleProvision)
	v1.Delete("/areas/:id", handleRelease)
	v1.Get("/status", handleStatus)
	v1.Put("/areas/:id/image", handleUpload)
	v1.Get("/areas/:id/image", handleDownload)

	// Start server
	if err := app.Listen(config.ListenAddr); err != nil {
		log.Fatal("Server failed", zap.Error(err))
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// authMiddleware checks the bearer token. An empty configured token
// disables authentication (development only).
func authMiddleware(c *fiber.Ctx) error {
	if config.Token == "" {
		return c.Next()
	}

	token := strings.TrimPrefix(c.Get("Authorization"), "Bearer ")
	if token != config.Token {
		return c.Status(http.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid or missing authentication token",
		})
	}
	return c.Next()
}

// handleHealth returns server health status.
func handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

// handleProvision allocates an area, answering 507 when the requested size
// does not fit the remaining capacity.
func handleProvision(c *fiber.Ctx) error {
	var req struct {
		SessionID string `json:"session_id"`
		SizeBytes int64  `json:"size_bytes"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.SizeBytes <= 0 {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "size_bytes must be positive"})
	}

	area, err := store.Provision(req.SessionID, req.SizeBytes)
	if err != nil {
		return c.Status(http.StatusInsufficientStorage).JSON(fiber.Map{"error": err.Error()})
	}

	log.Info("Provisioned area",
		zap.String("area_id", area.ID),
		zap.String("session_id", area.SessionID),
		zap.Int64("size_bytes", area.SizeBytes),
	)
	return c.Status(http.StatusCreated).JSON(area)
}

// handleRelease frees an area and its image. Releasing an unknown area
// succeeds; teardown paths run twice.
func handleRelease(c *fiber.Ctx) error {
	id := c.Params("id")
	released := store.Release(id)
	if released {
		log.Info("Released area", zap.String("area_id", id))
	}
	return c.SendStatus(http.StatusNoContent)
}

// handleStatus reports remaining capacity.
func handleStatus(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"free_bytes": store.FreeBytes(),
	})
}

// handleUpload streams the request body into the area's image file and
// records its digest.
func handleUpload(c *fiber.Ctx) error {
	id := c.Params("id")
	area, ok := store.Get(id)
	if !ok {
		return c.Status(http.StatusNotFound).JSON(fiber.Map{"error": "unknown area"})
	}

	file, err := os.Create(store.imagePath(id))
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	defer file.Close()

	digest := sha256.New()
	writer := bufio.NewWriterSize(io.MultiWriter(file, digest), 1<<20)

	written, err := io.Copy(writer, io.LimitReader(c.Context().RequestBodyStream(), area.SizeBytes+1))
	if err != nil {
		os.Remove(store.imagePath(id))
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if written > area.SizeBytes {
		os.Remove(store.imagePath(id))
		return c.Status(http.StatusRequestEntityTooLarge).JSON(fiber.Map{
			"error": fmt.Sprintf("image exceeds allocated %d bytes", area.SizeBytes),
		})
	}
	if err := writer.Flush(); err != nil {
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if err := file.Sync(); err != nil {
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	sum := hex.EncodeToString(digest.Sum(nil))
	store.RecordImage(id, written, sum)

	log.Info("Image uploaded",
		zap.String("area_id", id),
		zap.Int64("bytes", written),
		zap.String("sha256", sum),
	)
	return c.JSON(fiber.Map{
		"size_bytes": written,
		"sha256":     sum,
	})
}

// handleDownload streams the area's image back.
func handleDownload(c *fiber.Ctx) error {
	id := c.Params("id")
	area, ok := store.Get(id)
	if !ok {
		return c.Status(http.StatusNotFound).JSON(fiber.Map{"error": "unknown area"})
	}
	if area.ImageBytes == 0 {
		return c.Status(http.StatusConflict).JSON(fiber.Map{"error": "no image uploaded yet"})
	}

	c.Set("Content-Type", "application/octet-stream")
	c.Set("X-Image-SHA256", area.SHA256)
	return c.SendFile(store.imagePath(id), false)
}

// loadStore scans the data directory for surviving area metadata.
func loadStore(dataDir string, capacity int64) (*Store, error) {
	s := &Store{
		areas:    make(map[string]*Area),
		dataDir:  dataDir,
		capacity: capacity,
	}

	matches, err := filepath.Glob(filepath.Join(dataDir, "*.json"))
	if err != nil {
		return nil, err
	}
	for _, file := range matches {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		var area Area
		if err := json.Unmarshal(data, &area); err != nil || area.ID == "" {
			log.Warn("Skipping corrupt area metadata", zap.String("file", file))
			continue
		}
		s.areas[area.ID] = &area
	}
	return s, nil
}

// Count returns the number of live areas.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.areas)
}

// FreeBytes returns capacity not yet allocated to areas.
func (s *Store) FreeBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	free := s.capacity
	for _, area := range s.areas {
		free -= area.SizeBytes
	}
	if free < 0 {
		free = 0
	}
	return free
}

// Provision allocates one area if it fits.
func (s *Store) Provision(sessionID string, sizeBytes int64) (*Area, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	used := int64(0)
	for _, area := range s.areas {
		used += area.SizeBytes
	}
	if used+sizeBytes > s.capacity {
		return nil, fmt.Errorf("insufficient capacity: %d bytes free, %d requested",
			s.capacity-used, sizeBytes)
	}

	area := &Area{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		SizeBytes: sizeBytes,
		CreatedAt: time.Now().UTC(),
	}
	s.areas[area.ID] = area
	s.persist(area)
	return area, nil
}

// Get looks up one area.
func (s *Store) Get(id string) (*Area, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	area, ok := s.areas[id]
	if !ok {
		return nil, false
	}
	copied := *area
	return &copied, true
}

// RecordImage stores the uploaded image's size and digest.
func (s *Store) RecordImage(id string, sizeBytes int64, sum string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	area, ok := s.areas[id]
	if !ok {
		return
	}
	area.ImageBytes = sizeBytes
	area.SHA256 = sum
	s.persist(area)
}

// Release frees an area; reports whether it existed.
func (s *Store) Release(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.areas[id]; !ok {
		return false
	}
	delete(s.areas, id)
	os.Remove(s.imagePath(id))
	os.Remove(s.metaPath(id))
	return true
}

func (s *Store) persist(area *Area) {
	data, err := json.Marshal(area)
	if err != nil {
		return
	}
	if err := os.WriteFile(s.metaPath(area.ID), data, 0o600); err != nil {
		log.Warn("Failed to persist area metadata",
			zap.String("area_id", area.ID),
			zap.Error(err),
		)
	}
}

func (s *Store) imagePath(id string) string {
	return filepath.Join(s.dataDir, id+".img")
}

func (s *Store) metaPath(id string) string {
	return filepath.Join(s.dataDir, id+".json")
}
