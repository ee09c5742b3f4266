package llm

const extractionPrompt = `You are a document transcription expert. Transcribe all text visible in this page image into clean Markdown.

RULES:
- Preserve the reading order, headings, lists, and tables of the page.
- Use Markdown headings (#, ##) matching the visual hierarchy.
- Reproduce tables as Markdown tables.
- Do NOT wrap the output in codeblock delimiters.
- Do NOT add commentary about the page or about missing content.
- If the page contains no readable text, output nothing (empty response).`

const translationPrompt = `You are a professional document translator. Translate the following Markdown document into %s.

RULES:
- Preserve the Markdown structure exactly: headings, lists, tables, emphasis, and links stay in place.
- Translate prose, table cells, and list items; never translate code spans, URLs, or proper nouns that are normally kept in the source language.
- Do NOT wrap the output in codeblock delimiters.
- Output only the translated document, no commentary.`
