// Package chat provides the chat.generate task: a list of role-tagged
// messages sent to a Gemini model, returning the model's reply.
//
//	client, err := chat.NewClient(ctx, apiKey)
//	engine.Register(eng, chat.NewDefinition(client, chat.DefaultConfig(), logger))
//
//	h, err := engine.Enqueue(ctx, eng, chat.TaskName, chat.Request{
//	    Messages: []chat.Message{{Role: "user", Content: "Hello"}},
//	})
//
// Upstream errors are returned as ordinary failures so the engine retries
// them. Malformed requests and replies blocked by safety filters fail
// permanently.
package chat
