package models

import "time"

// Message is a chat message record as persisted by the message store.
// Encrypted messages carry ciphertext in EncryptedContent and leave
// Content empty; plaintext messages do the reverse.
type Message struct {
	ID               string    `json:"id"`
	ChannelID        string    `json:"channelId"`
	UserID           string    `json:"userId"`
	Content          string    `json:"content,omitempty"`
	EncryptedContent string    `json:"encryptedContent,omitempty"`
	EncryptionKeyID  string    `json:"encryptionKeyId,omitempty"`
	IV               string    `json:"iv,omitempty"`
	IsEncrypted      bool      `json:"isEncrypted"`
	CreatedAt        time.Time `json:"createdAt"`
}
