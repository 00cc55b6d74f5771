package engine

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"bottleline/config"
)

// ForcePublishAll republishes the status and every valid tag value to all
// running publishers.
func (e *Engine) ForcePublishAll() {
	e.forcePublishAllValuesToMQTT()
	e.forcePublishAllValuesToValkey()
	e.forcePublishAllValuesToKafka()
}

func (e *Engine) forcePublishAllValuesToKafka() {
	e.kafkaMgr.PublishStatus(e.sup.CurrentStatus(), e.plcAddress())
	for _, s := range e.Tags() {
		if s.Valid {
			e.kafkaMgr.Publish(s.Name, s.Address, s.Type, s.Value, s.Writable, true)
		}
	}
}

// SetWebUser adds or replaces an API user and saves the config. The
// password is stored as a bcrypt hash.
func (e *Engine) SetWebUser(username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if password == "" {
		return fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	e.cfg.Lock()
	if u := e.cfg.FindWebUser(username); u != nil {
		u.PasswordHash = string(hash)
	} else {
		e.cfg.AddWebUser(config.WebUser{Username: username, PasswordHash: string(hash)})
	}
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
	e.log.Info().Str("user", username).Msg("api user saved")
	return nil
}

// saveConfig saves the config. The caller holds the config lock.
func (e *Engine) saveConfig() error {
	if e.configPath == "" {
		e.cfg.Unlock()
		return nil
	}
	return e.cfg.UnlockAndSave(e.configPath)
}
