package protocol

// Split cuts data into consecutive pieces of at most size bytes. The pieces
// alias data. Returns nil for empty data or a non-positive size.
func Split(data []byte, size int) [][]byte {
	if len(data) == 0 || size <= 0 {
		return nil
	}
	if len(data) <= size {
		return [][]byte{data[:len(data):len(data)]}
	}

	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > 0 {
		n := min(size, len(data))
		chunks = append(chunks, data[:n:n])
		data = data[n:]
	}
	return chunks
}
