package asr

import "fmt"

const chunkSummarySystem = "You summarize transcript chunks of a longer video. " +
	"Be concise, keep concrete facts, names and numbers, and never invent content " +
	"that is not in the transcript."

func chunkSummaryPrompt(req TranscribeRequest, transcript string) string {
	header := ""
	if req.EndSeconds > req.StartSeconds {
		header = fmt.Sprintf("Transcript chunk (%.0fs–%.0fs)\n", req.StartSeconds, req.EndSeconds)
	}
	prompt := header + "Transcript:\n" + transcript
	if req.Question != "" {
		prompt = "User request:\n" + req.Question + "\n\n" + prompt
	}
	return prompt
}

func transcribePrompt(req TranscribeRequest) string {
	p := "Transcribe the spoken audio verbatim. Output only the transcript text, " +
		"with no timestamps, speaker labels or commentary."
	if req.Language != "" {
		p += " The audio language is " + req.Language + "."
	}
	if req.WithSummary {
		p = "First transcribe the spoken audio verbatim after a line reading " +
			"\"TRANSCRIPT:\". Then, after a line reading \"SUMMARY:\", give a short " +
			"summary of this chunk (3-5 sentences, concrete facts only)."
		if req.Question != "" {
			p += " Keep the summary relevant to: " + req.Question
		}
	}
	return p
}

func directPrompt(question string) string {
	p := "Watch this video and answer grounded only in its content. " +
		"Cite approximate timestamps for key claims."
	if question != "" {
		p += "\n\nUser request:\n" + question
	} else {
		p += "\n\nUser request:\nSummarize the video."
	}
	return p
}
