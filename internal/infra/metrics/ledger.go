package metrics

func (m *Metrics) AddCreditsDebited(source string, fromPlan, fromPackages int) {
	if m == nil {
		return
	}
	if fromPlan > 0 {
		m.creditsDebited.WithLabelValues(norm(source), "plan").Add(float64(fromPlan))
	}
	if fromPackages > 0 {
		m.creditsDebited.WithLabelValues(norm(source), "package").Add(float64(fromPackages))
	}
}

func (m *Metrics) AddCreditsRefunded(source string, amount int) {
	if m == nil || amount <= 0 {
		return
	}
	m.creditsRefunded.WithLabelValues(norm(source)).Add(float64(amount))
}

func (m *Metrics) IncInsufficientCredits(source string) {
	if m == nil {
		return
	}
	m.insufficientBlocks.WithLabelValues(norm(source)).Inc()
}

func (m *Metrics) AddPackagesExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.packagesExpired.Add(float64(n))
}
