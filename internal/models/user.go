package models

import "time"

// User represents an end user of the matching service.
// Created on first interaction, never destroyed.
type User struct {
	ID                    string    `json:"id"`
	ChatID                string    `json:"chat_id"` // external chat channel id
	Handle                string    `json:"handle"`
	SkipCrossSubDuplicates bool     `json:"skip_cross_sub_duplicates"`
	CreatedAt             time.Time `json:"created_at"`
}
