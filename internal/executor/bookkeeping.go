package executor

import "time"

const historyCap = 50

// appendHistory pushes entry onto context._meta.history, truncating the
// oldest entries once the cap of historyCap entries is reached.
func appendHistory(ctx map[string]any, entry map[string]any) {
	meta, _ := ctx["_meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
		ctx["_meta"] = meta
	}
	hist, _ := meta["history"].([]any)
	hist = append(hist, entry)
	if len(hist) > historyCap {
		hist = hist[len(hist)-historyCap:]
	}
	meta["history"] = hist
}

func appendInputHistory(ctx map[string]any, entry map[string]any) {
	hist, _ := ctx["inputHistory"].([]any)
	hist = append(hist, entry)
	if len(hist) > historyCap {
		hist = hist[len(hist)-historyCap:]
	}
	ctx["inputHistory"] = hist
}

func nowISO() string { return time.Now().UTC().Format(time.RFC3339) }

// recordInbound updates the denormalized "last*" fields and history for one
// inbound event, run once per executor invocation regardless of whether it
// starts, resumes, or drops the session.
func recordInbound(ctx map[string]any, in InboundEvent) {
	at := nowISO()

	count, _ := ctx["messageCount"].(float64)
	ctx["messageCount"] = count + 1

	ctx["lastUserMessage"] = in.Text
	ctx["lastUserMessageAt"] = at
	ctx["lastInputText"] = in.Text
	ctx["lastInputAt"] = at
	if in.InteractiveID != "" || in.InteractiveTitle != "" {
		ctx["lastInteractiveId"] = in.InteractiveID
		ctx["lastInteractiveTitle"] = in.InteractiveTitle
	}
	if in.Media != nil {
		ctx["lastUserMedia"] = in.Media
	}

	appendInputHistory(ctx, map[string]any{
		"text":             in.Text,
		"interactiveId":    in.InteractiveID,
		"interactiveTitle": in.InteractiveTitle,
		"at":               at,
	})
	appendHistory(ctx, map[string]any{
		"direction": "in",
		"text":      in.Text,
		"at":        at,
	})
}

func recordOutbound(ctx map[string]any, kind string, detail map[string]any) {
	at := nowISO()
	switch kind {
	case "out:text", "out:template":
		ctx["lastBotMessage"] = detail["text"]
		ctx["lastBotMessageAt"] = at
	case "out:options":
		ctx["lastBotOptions"] = detail["options"]
	case "out:media":
		ctx["lastBotMedia"] = detail["media"]
	}
	entry := map[string]any{"direction": "out", "kind": kind, "at": at}
	for k, v := range detail {
		entry[k] = v
	}
	appendHistory(ctx, entry)
}
