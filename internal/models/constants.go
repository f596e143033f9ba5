package models

const (
	// UnknownAnswer is what the model answers when the context is insufficient.
	UnknownAnswer = "لا أعلم"

	// ExtractionFailedMarker replaces page text when extraction gives up.
	ExtractionFailedMarker = "[ERROR] Failed to extract text after multiple retries."

	ContextSeparator = "\n"
)

var (
	ExtractionPrompt = "Extract all readable text from the image. " +
		"Ignore logos. Remove excessive or unnecessary punctuation. " +
		"Preserve meaningful content, structure, and line breaks."

	SystemPromptTemplate = `You are an intelligent assistant that answers questions strictly in Arabic, including Egyptian Arabic when appropriate.
Your answers must be based only on the provided retrieved context.
If the context does not contain sufficient information, respond with 'لا أعلم' (I don't know).
Do not make up information. Never respond in English, even if the question is in English.`

	UserPromptTemplate = `Question: {{.question}}
Retrieved context:
{{.context}}
Based on the context above, answer the question in Arabic only.`
)
