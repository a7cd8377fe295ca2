package redis

import (
	"embed"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

//go:embed scripts/*.lua
var embeddedScripts embed.FS

// scripts are the Lua programs that make queue operations atomic.
// goredis.Script runs EVALSHA and falls back to EVAL on NOSCRIPT.
type scripts struct {
	enqueue   *goredis.Script
	claim     *goredis.Script
	requeue   *goredis.Script
	complete  *goredis.Script
	cancel    *goredis.Script
	heartbeat *goredis.Script
	reap      *goredis.Script
}

func loadScripts() scripts {
	return scripts{
		enqueue:   mustScript("enqueue.lua"),
		claim:     mustScript("claim.lua"),
		requeue:   mustScript("requeue.lua"),
		complete:  mustScript("complete.lua"),
		cancel:    mustScript("cancel.lua"),
		heartbeat: mustScript("heartbeat.lua"),
		reap:      mustScript("reap.lua"),
	}
}

func mustScript(name string) *goredis.Script {
	src, err := embeddedScripts.ReadFile("scripts/" + name)
	if err != nil {
		panic(fmt.Sprintf("jobq/redis: read script %s: %v", name, err))
	}
	return goredis.NewScript(string(src))
}
