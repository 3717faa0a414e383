package model

import "time"

// SlackDealUpdate is one captured channel message tied to a deal. Rows are
// keyed by (channel, message timestamp) so edited messages replace the
// original capture.
type SlackDealUpdate struct {
	EventID         string    `json:"eventId"`
	UserID          string    `json:"userId"`
	ChannelID       string    `json:"channelId"`
	MessageTS       string    `json:"messageTs"`
	ThreadTS        string    `json:"threadTs,omitempty"`
	SlackUserID     string    `json:"slackUserId,omitempty"`
	Text            string    `json:"text"`
	Permalink       string    `json:"permalink"`
	OpportunityID   string    `json:"opportunityId,omitempty"`
	AccountName     string    `json:"accountName,omitempty"`
	OpportunityName string    `json:"opportunityName,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}
