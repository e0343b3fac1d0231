package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"go-sparchat/internal/model"
)

// LoginRequest is the username/password exchange.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries the issued credential pair.
type LoginResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ID           string `json:"id"`
	Username     string `json:"username"`
}

// Login exchanges a password for a credential pair and stores it.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResponse, error) {
	var out LoginResponse
	err := c.doAnonymous(ctx, http.MethodPost, "/login", LoginRequest{Username: username, Password: password}, &out)
	if err != nil {
		return nil, err
	}
	if err := c.creds.SetCredential(ctx, out.AccessToken, out.RefreshToken); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListConversations fetches one page of the user's conversations.
func (c *Client) ListConversations(ctx context.Context, page model.PageRequest) (*model.ListConversationsResponse, error) {
	var out model.ListConversationsResponse
	if err := c.Do(ctx, http.MethodGet, "/api/conversations"+pageQuery(page), nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return &out, nil
}

// SearchUsers looks up other users by username fragment.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]model.Participant, error) {
	var out []model.Participant
	if err := c.Do(ctx, http.MethodGet, "/api/users/search?q="+url.QueryEscape(query), nil, &out); err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	return out, nil
}

// StartConversation returns the conversation with participantID, creating it
// on first contact.
func (c *Client) StartConversation(ctx context.Context, participantID string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	body := map[string]string{"participant_id": participantID}
	if err := c.Do(ctx, http.MethodPost, "/api/conversations", body, &out); err != nil {
		return "", fmt.Errorf("failed to start conversation: %w", err)
	}
	return out.ID, nil
}

// RespondInvitation accepts or declines a combat invitation.
func (c *Client) RespondInvitation(ctx context.Context, invitationID, status string) error {
	path := "/api/invitations/" + url.PathEscape(invitationID) + "/respond"
	if err := c.Do(ctx, http.MethodPost, path, map[string]string{"status": status}, nil); err != nil {
		return fmt.Errorf("failed to respond to invitation: %w", err)
	}
	return nil
}

// ConversationHistory fetches one page of a conversation's messages.
func (c *Client) ConversationHistory(ctx context.Context, conversationID string, page model.PageRequest) (*model.ListMessagesResponse, error) {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages" + pageQuery(page)
	var out model.ListMessagesResponse
	if err := c.Do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to load conversation history: %w", err)
	}
	return &out, nil
}

// CombatHistory fetches one page of a combat room's messages.
func (c *Client) CombatHistory(ctx context.Context, combatID string, page model.PageRequest) (*model.ListMessagesResponse, error) {
	path := "/api/combats/" + url.PathEscape(combatID) + "/messages" + pageQuery(page)
	var out model.ListMessagesResponse
	if err := c.Do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to load combat history: %w", err)
	}
	return &out, nil
}

// History loads the first page of a room and orders it by creation time.
// It satisfies the chat controller's history dependency.
func (c *Client) History(ctx context.Context, combat bool, roomID string) ([]model.Message, error) {
	var (
		resp *model.ListMessagesResponse
		err  error
	)
	if combat {
		resp, err = c.CombatHistory(ctx, roomID, model.PageRequest{})
	} else {
		resp, err = c.ConversationHistory(ctx, roomID, model.PageRequest{})
	}
	if err != nil {
		return nil, err
	}

	msgs := resp.Messages
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs, nil
}

func pageQuery(page model.PageRequest) string {
	page = page.Normalize()
	q := url.Values{}
	q.Set("page", strconv.Itoa(page.Page))
	q.Set("limit", strconv.Itoa(page.Limit))
	return "?" + q.Encode()
}
