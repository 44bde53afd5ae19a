package scene

import (
	"fmt"
	"maps"
	"slices"
)

// Character is a participant in the scene.
type Character struct {
	Name                 string            `json:"name"`
	Gender               string            `json:"gender,omitempty"`
	Color                string            `json:"color,omitempty"`
	Description          string            `json:"description,omitempty"`
	BaseAttributes       map[string]string `json:"base_attributes,omitempty"`
	Details              map[string]string `json:"details,omitempty"`
	ExampleDialogue      []string          `json:"example_dialogue,omitempty"`
	DialogueInstructions string            `json:"dialogue_instructions,omitempty"`
	GreetingText         string            `json:"greeting_text,omitempty"`
	CoverImage           string            `json:"cover_image,omitempty"`
	IsPlayer             bool              `json:"is_player"`
}

// Clone returns a deep copy.
func (c *Character) Clone() *Character {
	out := *c
	out.BaseAttributes = maps.Clone(c.BaseAttributes)
	out.Details = maps.Clone(c.Details)
	out.ExampleDialogue = slices.Clone(c.ExampleDialogue)
	return &out
}

// AddCharacter adds an active character and binds an actor to it.
func (s *Scene) AddCharacter(c *Character) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkNewCharacter(c); err != nil {
		return err
	}
	if c.IsPlayer && s.playerLocked() != nil {
		return fmt.Errorf("failed to add %s: %w", c.Name, ErrMultiplePlayers)
	}
	s.characters[c.Name] = c.Clone()
	s.order = append(s.order, c.Name)
	s.actors[c.Name] = struct{}{}
	return nil
}

// AddInactiveCharacter adds a character straight to the inactive roster.
func (s *Scene) AddInactiveCharacter(c *Character) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkNewCharacter(c); err != nil {
		return err
	}
	s.inactive[c.Name] = c.Clone()
	return nil
}

func (s *Scene) checkNewCharacter(c *Character) error {
	if c == nil || c.Name == "" {
		return fmt.Errorf("character name is required")
	}
	if _, ok := s.characters[c.Name]; ok {
		return fmt.Errorf("failed to add %s: %w", c.Name, ErrDuplicateName)
	}
	if _, ok := s.inactive[c.Name]; ok {
		return fmt.Errorf("failed to add %s: %w", c.Name, ErrDuplicateName)
	}
	return nil
}

// Character returns a copy of the named character, active or inactive.
func (s *Scene) Character(name string) (*Character, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.characters[name]; ok {
		return c.Clone(), true
	}
	if c, ok := s.inactive[name]; ok {
		return c.Clone(), true
	}
	return nil, false
}

// IsActive reports whether name is in the active roster.
func (s *Scene) IsActive(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.characters[name]
	return ok
}

// HasActor reports whether an actor is bound to the named character.
func (s *Scene) HasActor(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.actors[name]
	return ok
}

// Characters returns copies of the active characters in insertion order.
func (s *Scene) Characters() []*Character {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Character, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.characters[name].Clone())
	}
	return out
}

// NPCs returns copies of the active non-player characters.
func (s *Scene) NPCs() []*Character {
	var out []*Character
	for _, c := range s.Characters() {
		if !c.IsPlayer {
			out = append(out, c)
		}
	}
	return out
}

// InactiveCharacters returns copies of the inactive roster sorted by name.
func (s *Scene) InactiveCharacters() []*Character {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := slices.Sorted(maps.Keys(s.inactive))
	out := make([]*Character, 0, len(names))
	for _, name := range names {
		out = append(out, s.inactive[name].Clone())
	}
	return out
}

// Player returns the active player character, if any.
func (s *Scene) Player() (*Character, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p := s.playerLocked(); p != nil {
		return p.Clone(), true
	}
	return nil, false
}

func (s *Scene) playerLocked() *Character {
	for _, c := range s.characters {
		if c.IsPlayer {
			return c
		}
	}
	return nil
}

// DeactivateCharacter moves name to the inactive roster and unbinds its actor.
func (s *Scene) DeactivateCharacter(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.characters[name]
	if !ok {
		if _, inactive := s.inactive[name]; inactive {
			return nil
		}
		return fmt.Errorf("failed to deactivate %s: %w", name, ErrUnknownCharacter)
	}
	delete(s.characters, name)
	delete(s.actors, name)
	s.order = slices.DeleteFunc(s.order, func(n string) bool { return n == name })
	s.inactive[name] = c
	return nil
}

// ActivateCharacter restores name to the active roster and binds an actor.
func (s *Scene) ActivateCharacter(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.characters[name]; ok {
		s.actors[name] = struct{}{}
		return nil
	}
	c, ok := s.inactive[name]
	if !ok {
		return fmt.Errorf("failed to activate %s: %w", name, ErrUnknownCharacter)
	}
	if c.IsPlayer && s.playerLocked() != nil {
		return fmt.Errorf("failed to activate %s: %w", name, ErrMultiplePlayers)
	}
	delete(s.inactive, name)
	s.characters[name] = c
	s.order = append(s.order, name)
	s.actors[name] = struct{}{}
	return nil
}

// UpdateCharacter applies fn to the stored character. The name cannot change.
func (s *Scene) UpdateCharacter(name string, fn func(c *Character)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.characters[name]
	if !ok {
		c, ok = s.inactive[name]
	}
	if !ok {
		return fmt.Errorf("failed to update %s: %w", name, ErrUnknownCharacter)
	}
	wasPlayer := c.IsPlayer
	fn(c)
	c.Name = name
	if c.IsPlayer && !wasPlayer {
		for _, other := range s.characters {
			if other != c && other.IsPlayer {
				c.IsPlayer = false
				return fmt.Errorf("failed to update %s: %w", name, ErrMultiplePlayers)
			}
		}
	}
	return nil
}

// RemoveCharacter deletes a character from either roster.
func (s *Scene) RemoveCharacter(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.characters[name]; ok {
		delete(s.characters, name)
		delete(s.actors, name)
		s.order = slices.DeleteFunc(s.order, func(n string) bool { return n == name })
		return nil
	}
	if _, ok := s.inactive[name]; ok {
		delete(s.inactive, name)
		return nil
	}
	return fmt.Errorf("failed to remove %s: %w", name, ErrUnknownCharacter)
}

func (s *Scene) knownLocked(name string) bool {
	if _, ok := s.characters[name]; ok {
		return true
	}
	_, ok := s.inactive[name]
	return ok
}

// HasCharacter reports whether name is in either roster.
func (s *Scene) HasCharacter(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.knownLocked(name)
}
