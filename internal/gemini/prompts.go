package gemini

// OCRInstruction asks for a verbatim transcription of the text in an image.
// The single %s is replaced by the expected languages.
const OCRInstruction = `You are an OCR engine. Transcribe all text visible in the attached image exactly as written,
preserving line breaks and reading order. Expected languages: %s.
Do not translate, summarize, describe the image or add commentary.
If the image contains no readable text, reply with exactly ` + noTextMarker + `.`

// ASRInstruction asks for a verbatim transcript of an audio recording.
// The single %s is replaced by a language hint (or "auto-detect").
const ASRInstruction = `You are a speech recognition engine. Transcribe the speech in the attached audio verbatim.
Language: %s.
Output only the transcript, without timestamps, speaker labels or commentary.
If there is no intelligible speech, reply with exactly ` + noTextMarker + `.`

const noTextMarker = "NO_TEXT"
