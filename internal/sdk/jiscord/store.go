package jiscord

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/lk2023060901/jiscord-gateway/internal/json"
	"github.com/lk2023060901/jiscord-gateway/pkg/util/merr"
)

// Message 为数据服务返回的已持久化消息。
type Message struct {
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id"`
	AuthorID  string `json:"author_id"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// MessageStore 负责持久化消息，返回带服务端 ID 与时间戳的消息。
type MessageStore interface {
	CreateMessage(ctx context.Context, channelID, authorID, content string) (*Message, error)
}

const opCreateMessage = "create-message"

type createMessageRequest struct {
	AuthorID string `json:"author_id"`
	Content  string `json:"content"`
}

// CreateMessage 调用数据服务 POST {data}/channels/{id}/messages。
// 写操作不幂等，从不重试。
func (c *Client) CreateMessage(ctx context.Context, channelID, authorID, content string) (*Message, error) {
	if c.cfg.DataBaseURL == "" {
		return nil, merr.WrapErrParameterMissing("data.url")
	}
	if channelID == "" {
		return nil, merr.WrapErrParameterMissing("channelId")
	}

	start := time.Now()
	msg, err := c.createMessage(ctx, channelID, authorID, content)
	observe(collaboratorData, start, err)
	if err != nil {
		c.logFailure(opCreateMessage, start, err)
		return nil, err
	}
	return msg, nil
}

func (c *Client) createMessage(ctx context.Context, channelID, authorID, content string) (*Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DataTimeout)
	defer cancel()

	endpoint := c.cfg.DataBaseURL + "/channels/" + url.PathEscape(channelID) + "/messages"
	status, body, err := c.doJSON(ctx, http.MethodPost, endpoint, "", createMessageRequest{
		AuthorID: authorID,
		Content:  content,
	})
	if err != nil {
		return nil, merr.WrapErrStoreFailed(err, opCreateMessage)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return nil, &Error{
			Op:         opCreateMessage,
			StatusCode: status,
			RawBody:    truncateBody(body),
			kind:       merr.ErrStoreFailed,
		}
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, merr.WrapErrStoreFailed(err, "decode message")
	}
	if msg.ChannelID == "" {
		msg.ChannelID = channelID
	}
	if msg.AuthorID == "" {
		msg.AuthorID = authorID
	}
	return &msg, nil
}
