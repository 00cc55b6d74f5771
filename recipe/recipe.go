// Package recipe manages the bottle-count recipe catalogue and applies a
// recipe by writing its bottle count to the PLC.
package recipe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"bottleline/config"
	"bottleline/logging"
)

// Bottle counts are written as S7 INT.
const countType = "INT"

var (
	ErrNotFound = errors.New("recipe not found")
	ErrInvalid  = errors.New("invalid recipe")
)

// Recipe is the API view of a catalogue entry.
type Recipe struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	BottleCount int    `json:"bottle_count"`
	PLCAddress  string `json:"plc_address"`
}

func fromConfig(r config.RecipeConfig) Recipe {
	return Recipe{ID: r.ID, Name: r.Name, BottleCount: r.BottleCount, PLCAddress: r.PLCAddress}
}

func (r Recipe) toConfig() config.RecipeConfig {
	return config.RecipeConfig{ID: r.ID, Name: r.Name, BottleCount: r.BottleCount, PLCAddress: r.PLCAddress}
}

// Writer writes a value to a PLC address. *plcman.Supervisor implements it.
type Writer interface {
	WriteTag(ctx context.Context, address, typeHint string, value interface{}) error
}

// Service is the recipe catalogue backed by the configuration file.
type Service struct {
	cfg    *config.Config
	path   string
	writer Writer
	log    zerolog.Logger
}

// NewService returns a catalogue stored in cfg and saved to path.
func NewService(cfg *config.Config, path string, writer Writer, log zerolog.Logger) *Service {
	return &Service{cfg: cfg, path: path, writer: writer, log: logging.Component(log, "recipe")}
}

// List returns all recipes ordered by ID.
func (s *Service) List() []Recipe {
	s.cfg.Lock()
	out := make([]Recipe, 0, len(s.cfg.Recipes))
	for _, r := range s.cfg.Recipes {
		out = append(out, fromConfig(r))
	}
	s.cfg.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns one recipe.
func (s *Service) Get(id int) (Recipe, error) {
	s.cfg.Lock()
	defer s.cfg.Unlock()
	r := s.cfg.FindRecipe(id)
	if r == nil {
		return Recipe{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return fromConfig(*r), nil
}

func normalize(r *Recipe) error {
	r.Name = strings.TrimSpace(r.Name)
	r.PLCAddress = strings.ToUpper(strings.TrimSpace(r.PLCAddress))
	if err := config.ValidateRecipe(r.toConfig()); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Create adds a recipe with the next free ID. Without a PLC address the
// recipe writes to DB1.INT at twice its ID.
func (s *Service) Create(r Recipe) (Recipe, error) {
	s.cfg.Lock()
	r.ID = s.cfg.NextRecipeID()
	if strings.TrimSpace(r.PLCAddress) == "" {
		r.PLCAddress = fmt.Sprintf("DB1.INT%d", r.ID*2)
	}
	if err := normalize(&r); err != nil {
		s.cfg.Unlock()
		return Recipe{}, err
	}
	s.cfg.AddRecipe(r.toConfig())
	if err := s.cfg.UnlockAndSave(s.path); err != nil {
		return Recipe{}, fmt.Errorf("save recipes: %w", err)
	}
	s.log.Info().Int("id", r.ID).Str("name", r.Name).Msg("recipe created")
	return r, nil
}

// Update replaces the name, bottle count and address of recipe id.
func (s *Service) Update(id int, r Recipe) (Recipe, error) {
	r.ID = id
	if strings.TrimSpace(r.PLCAddress) == "" {
		if cur, err := s.Get(id); err == nil {
			r.PLCAddress = cur.PLCAddress
		}
	}
	if err := normalize(&r); err != nil {
		return Recipe{}, err
	}

	s.cfg.Lock()
	if !s.cfg.UpdateRecipe(id, r.toConfig()) {
		s.cfg.Unlock()
		return Recipe{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err := s.cfg.UnlockAndSave(s.path); err != nil {
		return Recipe{}, fmt.Errorf("save recipes: %w", err)
	}
	s.log.Info().Int("id", id).Int("bottles", r.BottleCount).Msg("recipe updated")
	return r, nil
}

// Delete removes recipe id.
func (s *Service) Delete(id int) error {
	s.cfg.Lock()
	if !s.cfg.RemoveRecipe(id) {
		s.cfg.Unlock()
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err := s.cfg.UnlockAndSave(s.path); err != nil {
		return fmt.Errorf("save recipes: %w", err)
	}
	s.log.Info().Int("id", id).Msg("recipe deleted")
	return nil
}

// Apply writes the bottle count of recipe id to its PLC address as INT.
// Errors from the writer, such as not being connected, are returned as is.
func (s *Service) Apply(ctx context.Context, id int) (Recipe, error) {
	r, err := s.Get(id)
	if err != nil {
		return Recipe{}, err
	}
	if err := s.writer.WriteTag(ctx, r.PLCAddress, countType, int16(r.BottleCount)); err != nil {
		s.log.Warn().Err(err).Int("id", id).Str("address", r.PLCAddress).Msg("apply recipe failed")
		return r, fmt.Errorf("apply recipe %d: %w", id, err)
	}
	s.log.Info().Int("id", id).Int("bottles", r.BottleCount).Str("address", r.PLCAddress).Msg("recipe applied")
	return r, nil
}
