package llm

import "errors"

// CollectStream drains a stream channel into a GenerateResponse, calling
// onDelta for every text chunk as it arrives. It blocks until the channel is
// closed and returns the first error event, if any.
func CollectStream(ch <-chan StreamEvent, onDelta func(string)) (GenerateResponse, error) {
	var resp GenerateResponse
	var text string
	var done bool
	for ev := range ch {
		switch ev.Type {
		case StreamEventDelta:
			text += ev.Text
			if onDelta != nil {
				onDelta(ev.Text)
			}
		case StreamEventComplete:
			if ev.Response != nil {
				resp = *ev.Response
			}
			done = true
		case StreamEventError:
			// Keep draining so the producer goroutine can exit.
			for range ch {
			}
			if ev.Err == nil {
				return resp, errors.New("stream failed")
			}
			return resp, ev.Err
		}
	}
	if !done && text == "" {
		return resp, errors.New("stream ended without a response")
	}
	if len(resp.Content) == 0 && text != "" {
		resp.Content = []ContentBlock{{Type: ContentTypeText, Text: text}}
		resp.StopReason = StopReasonEndTurn
	}
	return resp, nil
}
